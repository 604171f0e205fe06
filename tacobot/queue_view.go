package tacobot

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// queuePageSize is how many tracks fit on one page of the queue
// message.
const queuePageSize = 10

var queueViewReactions = []string{"🔄", "⏫", "⬆", "⬇", "⏬"}

// formatQueuePageLocked renders one page of the queue message starting
// at track position start. start must be within [1, queue length].
// Callers must hold p.mu.
func (p *guildPlayer) formatQueuePageLocked(start int) string {
	segment := p.queue.Segment(start, start+queuePageSize-1)

	var b strings.Builder
	if p.loadedBy == "" {
		b.WriteString("**Default Guild Queue**\n\n")
	} else {
		b.WriteString("**Loaded by** " + userMention(p.loadedBy) + "\n\n")
	}

	for offset, track := range segment {
		pos := start + offset
		// Truncated so each track stays on one line. Wide characters
		// can still wrap.
		line := fmt.Sprintf(
			"%d) %s | %s",
			pos, track.TruncatedMarkdown(50), track.DurationString(),
		)
		if pos == p.pos {
			line = "**" + line + "** 👈"
		}
		b.WriteString(line + "\n")
	}

	pageNum := start/queuePageSize + 1
	numPages := (p.queue.Len()-1)/queuePageSize + 1
	if pageNum == numPages {
		b.WriteString("\nThis is the end of the queue!")
	} else {
		b.WriteString("\nThe queue continues!")
	}
	fmt.Fprintf(&b, " (**%d** / **%d**)", pageNum, numPages)

	return b.String()
}

// queuePages returns the embeds representing the pages of the queue
// message.
func (p *guildPlayer) queuePages() []*discordgo.MessageEmbed {
	p.mu.Lock()
	defer p.mu.Unlock()

	length := p.queue.Len()
	header := "📜 " + p.queue.Name()

	if length <= queuePageSize {
		desc := "The queue is empty! 🤔"
		if length > 0 {
			desc = p.formatQueuePageLocked(1)
		}
		return []*discordgo.MessageEmbed{makeEmbed(desc, header, "gold")}
	}

	var pages []*discordgo.MessageEmbed
	for top := 1; top <= length; top += queuePageSize {
		pages = append(
			pages,
			makeEmbed(p.formatQueuePageLocked(top), header, "gold"),
		)
	}
	return pages
}

// queuePageIndex picks the page holding the current position. When the
// player sits before the start of the queue, the last page is shown.
func (p *guildPlayer) queuePageIndex(numPages int) int {
	p.mu.Lock()
	pos := p.pos
	numtracks := p.queue.Len()
	p.mu.Unlock()

	i := pos
	if numtracks < i {
		i = numtracks
	}
	i--
	if i < 0 {
		return numPages - 1
	}
	return i / queuePageSize
}

// showQueue sends the paginated queue message and keeps it live for
// reaction scrolling until the view times out.
func (p *guildPlayer) showQueue(ctx context.Context, cc *CommandContext) error {
	pages := p.queuePages()
	index := p.queuePageIndex(len(pages))

	page := pages[index]
	p.setEmbedFooter(page)
	msg, err := cc.ReplyEmbed(page)
	if err != nil {
		return err
	}

	have := map[string]bool{}
	react := func(emoji string) {
		if addErr := cc.session.MessageReactionAdd(
			msg.ChannelID, msg.ID, emoji,
		); addErr == nil {
			have[emoji] = true
		}
	}
	react("🔄")
	if len(pages) > 2 {
		react("⏫")
	}
	if len(pages) > 1 {
		react("⬆")
		react("⬇")
	}
	if len(pages) > 2 {
		react("⏬")
	}

	p.queueListenerLoop(ctx, cc, msg, pages, index, have)
	return nil
}

// queueListenerLoop scrolls the queue message in response to reactions
// (added or removed, so users don't have to un-react first). The loop
// runs for a fixed window from when the message was sent.
func (p *guildPlayer) queueListenerLoop(
	ctx context.Context,
	cc *CommandContext,
	msg *discordgo.Message,
	pages []*discordgo.MessageEmbed,
	index int,
	have map[string]bool,
) {
	events := make(chan reactionEvent, 8)
	removeListener := p.tb.addReactionListener(msg.ID, events)
	defer removeListener()

	ctx, cancel := context.WithTimeout(ctx, p.viewTimeout())
	defer cancel()

	for {
		// 🔄 can change the page count, which changes which arrows
		// make sense
		p.updateArrows(cc, msg, len(pages), have)

		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Emoji {
			case "🔄":
				pages = p.queuePages()
				index = p.queuePageIndex(len(pages))
			case "⬆":
				if index > 0 {
					index--
				}
			case "⬇":
				if index < len(pages)-1 {
					index++
				}
			case "⏫":
				index = 0
			case "⏬":
				index = len(pages) - 1
			default:
				continue
			}

			page := pages[index]
			// Footer updates while scrolling, regardless of 🔄
			p.setEmbedFooter(page)
			_, _ = cc.session.ChannelMessageEditEmbed(
				msg.ChannelID, msg.ID, page,
			)
		}
	}
}

// updateArrows reconciles the queue message's reactions with the
// current page count. Growing past two pages swaps in the full arrow
// set; growing past one page adds the single-step arrows.
func (p *guildPlayer) updateArrows(
	cc *CommandContext,
	msg *discordgo.Message,
	numPages int,
	have map[string]bool,
) {
	switch {
	case numPages > 2:
		if have["⏫"] && have["⏬"] {
			return
		}
		if err := cc.session.MessageReactionsRemoveAll(
			msg.ChannelID, msg.ID,
		); err != nil {
			// Probably missing Manage Messages: settle for removing
			// our own
			for emoji := range have {
				_ = cc.session.MessageReactionRemove(
					msg.ChannelID, msg.ID, emoji, "@me",
				)
			}
		}
		for emoji := range have {
			delete(have, emoji)
		}
		for _, emoji := range queueViewReactions {
			if addErr := cc.session.MessageReactionAdd(
				msg.ChannelID, msg.ID, emoji,
			); addErr == nil {
				have[emoji] = true
			}
		}
	case numPages > 1:
		for _, emoji := range []string{"⬆", "⬇"} {
			if have[emoji] {
				continue
			}
			if addErr := cc.session.MessageReactionAdd(
				msg.ChannelID, msg.ID, emoji,
			); addErr == nil {
				have[emoji] = true
			}
		}
	}
}
