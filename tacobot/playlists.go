package tacobot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// videoIDPattern matches a YouTube video ID: 11 characters, the last
// drawn from the subset a base64 length of 64 bits allows.
const videoIDPattern = `[0-9A-Za-z_-]{10}[048AEIMQUYcgkosw]`

var savedQueueNamePattern = regexp.MustCompile(`\{.*\}`)

func playlistFolder(userID string) string {
	return "users/" + userID + "/"
}

func playlistKey(userID string) string {
	return playlistFolder(userID) + "playlists.txt"
}

// queueRepr serializes a queue for the personal playlist file:
//
//	{name}{
//	xxxxxxxxxxx
//	xxxxxxxxxxx}
//
// Names must not contain braces, which would break parsing.
func queueRepr(name string, ids []string) string {
	return "{" + name + "}{\n" + strings.Join(ids, "\n") + "}\n"
}

func stripBraces(s string) string {
	return strings.NewReplacer("{", "", "}", "").Replace(s)
}

// savedQueuePattern matches one serialized queue block with the given
// name, case-insensitive.
func savedQueuePattern(name string) *regexp.Regexp {
	return regexp.MustCompile(
		`(?i)\{` + regexp.QuoteMeta(name) + `\}\{(\n` + videoIDPattern + `)*\n?\}\n`,
	)
}

// savedQueue is one parsed block of a playlist file.
type savedQueue struct {
	// Name is the name the queue was saved with, in its original case
	Name string

	// IDs are the saved YouTube video IDs in queue order
	IDs []string

	// span is the [start, end) byte range of the block in the file
	span [2]int
}

// findSavedQueue locates the first saved queue with the given name,
// case-insensitive.
func findSavedQueue(content string, name string) (*savedQueue, bool) {
	match := savedQueuePattern(name).FindStringIndex(content)
	if match == nil {
		return nil, false
	}

	block := content[match[0]:match[1]]
	lines := strings.Split(strings.TrimSuffix(block, "\n"), "\n")

	first := lines[0]
	savedName := first[1:strings.Index(first, "}")]

	ids := make([]string, 0, len(lines)-1)
	for _, line := range lines[1:] {
		ids = append(ids, strings.TrimSuffix(line, "}"))
	}
	// An empty queue serializes as a bare closing brace line
	if len(ids) > 0 && ids[len(ids)-1] == "" {
		ids = ids[:len(ids)-1]
	}

	return &savedQueue{
		Name: savedName,
		IDs:  ids,
		span: [2]int{match[0], match[1]},
	}, true
}

// savedQueueNames returns the names of every saved queue in the file,
// in order.
func savedQueueNames(content string) []string {
	spans := savedQueueNamePattern.FindAllStringIndex(content, -1)
	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, content[s[0]+1:s[1]-1])
	}
	return names
}

// oembedResponse is the slice of YouTube's oEmbed payload the preview
// needs.
type oembedResponse struct {
	Title string `json:"title"`
}

// trackPreview returns the `[title](url)` markdown for a video without
// spawning yt-dlp, via YouTube's oEmbed endpoint. Titles are cached so
// repeat previews of the same playlist stay cheap.
func (tb *TacoBot) trackPreview(ctx context.Context, videoID string) (string, error) {
	cacheKey := "preview:" + videoID
	if cached, err := tb.cache.Get(ctx, cacheKey); err == nil {
		return cached, nil
	}

	watchURL := youtubeWatchURL + videoID
	endpoint := "https://www.youtube.com/oembed?" + url.Values{
		"format": {"json"},
		"url":    {watchURL},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("error creating oembed request: %w", err)
	}
	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error requesting oembed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oembed returned status %d", resp.StatusCode)
	}

	var data oembedResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&data); decodeErr != nil {
		return "", fmt.Errorf("error decoding oembed response: %w", decodeErr)
	}

	line := fmt.Sprintf("[%s](%s)", data.Title, watchURL)
	_ = tb.cache.Set(ctx, cacheKey, line, tb.config.Cache.TTL)
	return line, nil
}

// queuePreviewEmbed renders a preview of a saved queue: up to the
// first ten tracks plus a summary of the rest.
func (p *guildPlayer) queuePreviewEmbed(
	ctx context.Context,
	owner *discordgo.User,
	queueName string,
	ids []string,
) *discordgo.MessageEmbed {
	var b strings.Builder
	b.WriteString("**Playlist PREVIEW** [" + userMention(owner.ID) + "]\n\n")

	shown := len(ids)
	if shown > queuePageSize {
		shown = queuePageSize
	}
	for i := 0; i < shown; i++ {
		line, err := p.tb.trackPreview(ctx, ids[i])
		if err != nil {
			line = fmt.Sprintf("(Failed to load preview for id: %s)", ids[i])
		}
		fmt.Fprintf(&b, "%d) %s\n", i+1, line)
	}

	switch {
	case len(ids) == 0:
		b.WriteString("(The queue is empty)")
	case len(ids) <= queuePageSize:
		b.WriteString("\n(This is the end of the queue)")
	default:
		numPages := (len(ids)-1)/queuePageSize + 1
		fmt.Fprintf(
			&b,
			"\n(The queue continues for **%d** more page(s): **%d** total songs)",
			numPages-1, len(ids),
		)
	}

	return makeEmbed(b.String(), "❗ "+queueName, "orange")
}

// progressMessage renders the loading progress line and bar, like
// '⌛ Queuing: **3** / **10**'.
func progressMessage(current int, total int) string {
	outstr := "⌛"
	if current == total {
		outstr = "✅"
	}
	outstr += fmt.Sprintf(" Queuing: **%d** / **%d**\n", current, total)

	numFilled := 0
	if total > 0 {
		numFilled = int(math.Round(float64(current) / float64(total) * 30))
	}
	outstr += "`" + strings.Repeat("█", numFilled) +
		strings.Repeat(" ", 30-numFilled) + "`"

	if current != total {
		outstr += "\nCancel loading by reacting to the X"
	}
	return outstr
}

// queueLoad tracks one in-flight saved-queue load: the progress
// message it owns, who started it, and how to cancel it.
type queueLoad struct {
	byID      string
	channelID string
	messageID string

	// desc is the fixed first lines of the progress message
	desc string

	total  int
	cancel context.CancelFunc

	// done closes when the load goroutine exits, canceled or not
	done chan struct{}

	mu sync.Mutex

	// body is the last rendered description, kept so a cancellation
	// can edit it in place
	body string
}

func (l *queueLoad) setBody(s string) {
	l.mu.Lock()
	l.body = s
	l.mu.Unlock()
}

func (l *queueLoad) lastBody() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.body
}

func (l *queueLoad) finished() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// cancelLoading cancels the in-flight saved-queue load, if any, and
// rewrites its progress message to show who pulled the plug.
func (p *guildPlayer) cancelLoading(ctx context.Context, byID string) {
	p.mu.Lock()
	load := p.load
	p.mu.Unlock()

	if load == nil || load.finished() {
		return
	}
	load.cancel()
	<-load.done

	p.logger.InfoContext(
		ctx, "canceled current loadqueue task", "canceled_by", byID,
	)

	lines := strings.Split(load.lastBody(), "\n")
	if len(lines) >= 3 {
		// Swap the hourglass for an X
		if runes := []rune(lines[2]); len(runes) > 0 {
			lines[2] = "❌" + string(runes[1:])
		}
		lines[len(lines)-1] = fmt.Sprintf("(Canceled by %s)", userMention(byID))
	}

	embed := makeEmbed(strings.Join(lines, "\n"), "", "red")
	p.setEmbedFooter(embed)
	_, _ = p.tb.discord.session.ChannelMessageEditEmbed(
		load.channelID, load.messageID, embed,
	)
}

// queueTracks resolves and enqueues saved track IDs one at a time,
// updating the progress message before each. The progress is rendered
// first so a slow resolve still shows which track it's stuck on.
func (p *guildPlayer) queueTracks(
	ctx context.Context,
	cc *CommandContext,
	load *queueLoad,
	ids []string,
) {
	defer close(load.done)

	total := len(ids)
	for i, id := range ids {
		if ctx.Err() != nil {
			return
		}

		if i+1 == total {
			p.logger.InfoContext(ctx, "Finished loading in queue")
		}
		body := load.desc + progressMessage(i+1, total)
		load.setBody(body)
		embed := makeEmbed(body, "", "gold")
		p.setEmbedFooter(embed)
		_, _ = cc.session.ChannelMessageEditEmbed(
			load.channelID, load.messageID, embed,
		)

		if err := p.playQuery(ctx, cc, id, true); err != nil {
			p.logger.WarnContext(
				ctx, "error queuing saved track", tint.Err(err), "video_id", id,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// startLoad sends the progress message with its ❌ cancel reaction and
// kicks off the load goroutine plus a watcher that reacts to the ❌.
func (p *guildPlayer) startLoad(
	cc *CommandContext,
	desc string,
	ids []string,
) error {
	loadCtx, cancel := context.WithCancel(p.tb.ctx)
	load := &queueLoad{
		byID:      cc.author.ID,
		channelID: cc.ChannelID(),
		desc:      desc,
		total:     len(ids),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	body := desc + progressMessage(0, len(ids))
	load.setBody(body)
	embed := makeEmbed(body, "", "gold")
	p.setEmbedFooter(embed)
	msg, err := cc.ReplyEmbed(embed)
	if err != nil {
		cancel()
		return fmt.Errorf("error sending loading message: %w", err)
	}
	load.messageID = msg.ID
	_ = cc.session.MessageReactionAdd(msg.ChannelID, msg.ID, "❌")

	p.mu.Lock()
	p.load = load
	p.mu.Unlock()

	events := make(chan reactionEvent, 4)
	removeListener := p.tb.addReactionListener(msg.ID, events)

	go p.queueTracks(loadCtx, cc, load, ids)

	go func() {
		defer removeListener()
		defer func() {
			_ = cc.session.MessageReactionRemove(
				load.channelID, load.messageID, "❌", "@me",
			)
		}()
		for {
			select {
			case <-load.done:
				return
			case ev := <-events:
				if ev.Emoji != "❌" || !ev.Added {
					continue
				}
				p.cancelLoading(p.tb.ctx, ev.UserID)
				return
			}
		}
	}()
	return nil
}

// saveQueue writes the current queue to the caller's personal playlist
// file, prompting before replacing one saved under the same name.
func (p *guildPlayer) saveQueue(
	ctx context.Context,
	cc *CommandContext,
	queueName string,
) error {
	p.mu.Lock()
	if p.saveConfirming[cc.author.ID] {
		p.mu.Unlock()
		return cc.React("🚫")
	}
	if queueName == "" {
		queueName = p.queue.Name()
	}
	ids := p.queue.IDs()
	p.mu.Unlock()

	queueName = stripBraces(queueName)

	if err := p.tb.storage.EnsureFolder(
		ctx, playlistFolder(cc.author.ID),
	); err != nil {
		return fmt.Errorf("error preparing storage folder: %w", err)
	}

	key := playlistKey(cc.author.ID)
	content, err := p.tb.storage.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrObjectNotFound) {
			return fmt.Errorf("error downloading playlists: %w", err)
		}
		p.logger.InfoContext(ctx, fmt.Sprintf(
			"%s does not have a playlists.txt yet; starting fresh",
			cc.AuthorName(),
		))
	}
	text := string(content)

	if existing, ok := findSavedQueue(text, queueName); ok {
		preview := p.queuePreviewEmbed(ctx, cc.author, existing.Name, existing.IDs)
		_, _ = cc.ReplyEmbed(preview)

		p.mu.Lock()
		p.saveConfirming[cc.author.ID] = true
		p.mu.Unlock()
		confirmed := askForConfirmation(
			ctx, cc,
			fmt.Sprintf(
				"⚠ **%s**, you already saved a queue with name `%s`\nSent queue preview above. **Replace it?** (y/n/yes/no)",
				cc.AuthorName(), existing.Name,
			),
			"⌛ Time's up. Keeping old playlist.",
			"🖐 Gotcha. Keeping old playlist.",
			confirmReplaceTimeout,
		)
		p.mu.Lock()
		delete(p.saveConfirming, cc.author.ID)
		p.mu.Unlock()
		if !confirmed {
			return nil
		}

		text = text[:existing.span[0]] + text[existing.span[1]:]
	}

	text += queueRepr(queueName, ids)
	if err = p.tb.storage.Put(ctx, key, []byte(text)); err != nil {
		return fmt.Errorf("error uploading playlists: %w", err)
	}

	p.logger.InfoContext(ctx, fmt.Sprintf(
		"%s saved current queue as %s to personal list",
		cc.AuthorName(), queueName,
	))
	_, err = cc.ReplyEmbed(makeEmbed(
		fmt.Sprintf(
			"📝 Saved current queue as `%s` to personal list [%s]",
			queueName, userMention(cc.author.ID),
		),
		"", "gold",
	))
	return err
}

// loadQueue replaces the current queue with a saved one and starts
// loading its tracks.
func (p *guildPlayer) loadQueue(
	ctx context.Context,
	cc *CommandContext,
	queueName string,
) error {
	return p.loadSaved(ctx, cc, queueName, false)
}

// appendQueue appends a saved queue to the current one, prompting
// first when it would cancel another load in progress.
func (p *guildPlayer) appendQueue(
	ctx context.Context,
	cc *CommandContext,
	queueName string,
) error {
	p.mu.Lock()
	if p.addConfirming[cc.author.ID] {
		p.mu.Unlock()
		return cc.React("🚫")
	}
	load := p.load
	p.mu.Unlock()

	if load != nil && !load.finished() {
		suffix := "!"
		if load.byID != "" {
			suffix = " from " + userMention(load.byID)
		}

		p.mu.Lock()
		p.addConfirming[cc.author.ID] = true
		p.mu.Unlock()
		confirmed := askForConfirmation(
			ctx, cc,
			fmt.Sprintf(
				"⚠ **%s**, I'm already loading another queue%s\n🛑 Do you want to **cancel** the current process? (y/n/yes/no)",
				cc.AuthorName(), suffix,
			),
			"⌛ Time's up. Queuing preserved.",
			"🖐 Gotcha. Queuing preserved.",
			confirmTimeout,
		)
		p.mu.Lock()
		delete(p.addConfirming, cc.author.ID)
		p.mu.Unlock()
		if !confirmed {
			return nil
		}
	}

	return p.loadSaved(ctx, cc, queueName, true)
}

func (p *guildPlayer) loadSaved(
	ctx context.Context,
	cc *CommandContext,
	queueName string,
	appendLoad bool,
) error {
	p.mu.Lock()
	if p.loadConfirming[cc.author.ID] {
		p.mu.Unlock()
		return cc.React("🚫")
	}
	p.mu.Unlock()

	key := playlistKey(cc.author.ID)
	exists, err := p.tb.storage.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("error checking playlists: %w", err)
	}
	if !exists {
		_, err = cc.ReplyEmbed(errorEmbed(fmt.Sprintf(
			"**%s**, you don't have any saved playlists!", cc.AuthorName(),
		)))
		return err
	}

	content, err := p.tb.storage.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("error downloading playlists: %w", err)
	}

	saved, ok := findSavedQueue(string(content), queueName)
	if !ok {
		_, err = cc.ReplyEmbed(errorEmbed(fmt.Sprintf(
			"**%s**, you don't have a playlist named `%s`",
			cc.AuthorName(), queueName,
		)))
		return err
	}

	preview := p.queuePreviewEmbed(ctx, cc.author, saved.Name, saved.IDs)
	_, _ = cc.ReplyEmbed(preview)

	var desc string
	if appendLoad {
		p.logger.InfoContext(ctx, fmt.Sprintf(
			"%s is adding a queue: %s", cc.AuthorName(), saved.Name,
		))
		desc = fmt.Sprintf(
			"✳ **Appending playlist:** `%s` [%s]\n\n",
			saved.Name, userMention(cc.author.ID),
		)
	} else {
		p.mu.Lock()
		numtracks := p.queue.Len()
		p.mu.Unlock()

		if numtracks > 0 {
			p.mu.Lock()
			p.loadConfirming[cc.author.ID] = true
			p.mu.Unlock()
			confirmed := askForConfirmation(
				ctx, cc,
				fmt.Sprintf(
					"⚠ **%s**, the `%squeue` currently has **%d** song(s).\n💥 Do you want to **replace** the current queue? (y/n/yes/no)",
					cc.AuthorName(), cc.prefix, numtracks,
				),
				"⌛ Time's up. Queue preserved.",
				"🖐 Gotcha. Queue preserved.",
				confirmReplaceTimeout,
			)
			p.mu.Lock()
			delete(p.loadConfirming, cc.author.ID)
			p.mu.Unlock()
			if !confirmed {
				return nil
			}
		}

		p.mu.Lock()
		p.queue.Clear()
		sess := p.session
		p.session = nil
		play := p.currentPlay
		p.currentPlay = nil
		p.pos = 1
		p.queue.SetName(saved.Name)
		p.loadedBy = cc.author.ID
		p.mu.Unlock()

		if sess != nil {
			sess.Stop()
		}
		p.finalizePlay(ctx, play, true)

		p.logger.InfoContext(ctx, fmt.Sprintf(
			"%s is loading in a queue: %s", cc.AuthorName(), saved.Name,
		))
		desc = fmt.Sprintf(
			"🔄 **Loading playlist:** `%s` [%s]\n\n",
			saved.Name, userMention(cc.author.ID),
		)
	}

	p.cancelLoading(ctx, cc.author.ID)

	return p.startLoad(cc, desc, saved.IDs)
}

// showQueues previews the caller's saved queues by name and length.
func (p *guildPlayer) showQueues(ctx context.Context, cc *CommandContext) error {
	key := playlistKey(cc.author.ID)
	exists, err := p.tb.storage.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("error checking playlists: %w", err)
	}
	if !exists {
		_, err = cc.ReplyEmbed(errorEmbed(fmt.Sprintf(
			"**%s**, you don't have any saved playlists!", cc.AuthorName(),
		)))
		return err
	}

	content, err := p.tb.storage.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("error downloading playlists: %w", err)
	}
	text := string(content)

	var lines []string
	for _, name := range savedQueueNames(text) {
		if saved, found := findSavedQueue(text, name); found {
			lines = append(
				lines,
				fmt.Sprintf("**%s**: %d songs", saved.Name, len(saved.IDs)),
			)
		}
	}

	desc := "**Playlists PREVIEW** [" + userMention(cc.author.ID) + "]\n\n"
	if len(lines) == 0 {
		desc += "Your list is empty!"
	} else {
		desc += strings.Join(lines, "\n")
	}

	_, err = cc.ReplyEmbed(makeEmbed(desc, "💾 Saved Queues", "gold"))
	return err
}
