package tacobot

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// parseOnOff maps an "on"/"off" argument to a setting, with anything
// else (including no argument) meaning toggle.
func parseOnOff(option string) *bool {
	switch strings.ToLower(option) {
	case "on":
		v := true
		return &v
	case "off":
		v := false
		return &v
	}
	return nil
}

// musicCommands returns the playback and queue-traversal commands.
//
// The general flow of each handler is:
//  1. Get the guild-specific player
//  2. Check that the caller is allowed to use the command
//  3. Handle arguments and update the voice connection, if applicable
//  4. Let the player take over from there
func (tb *TacoBot) musicCommands() []*Command {
	return []*Command{
		{
			Name:      "join",
			Aliases:   []string{"connect"},
			Category:  categoryMusic,
			Help:      "Connects to your voice channel",
			Usage:     "[channel ID]",
			GuildOnly: true,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				return cc.tb.player(cc.GuildID()).joinChannel(cc, cc.Arg(0))
			},
		},
		{
			Name:      "play",
			Aliases:   []string{"p"},
			Category:  categoryMusic,
			Help:      "Plays a selected song from YouTube",
			Usage:     "<query or URL>",
			GuildOnly: true,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				if err := p.ensureVoice(cc); err != nil {
					return err
				}
				return p.playQuery(ctx, cc, cc.ArgsFrom(0), false)
			},
		},
		{
			Name:      "pause",
			Category:  categoryMusic,
			Help:      "Pauses the player",
			GuildOnly: true,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				if err := p.checkCaller(cc); err != nil {
					return err
				}
				return p.pause(cc)
			},
		},
		{
			Name:      "resume",
			Aliases:   []string{"unpause"},
			Category:  categoryMusic,
			Help:      "Resumes the player",
			GuildOnly: true,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				if err := p.checkCaller(cc); err != nil {
					return err
				}
				return p.resume(cc)
			},
		},
		{
			Name:      "leave",
			Aliases:   []string{"disconnect", "dc"},
			Category:  categoryMusic,
			Help:      "Disconnects bot from the voice channel",
			GuildOnly: true,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				if err := p.checkCaller(cc); err != nil {
					return err
				}
				p.leave(cc, false)
				return nil
			},
		},
		{
			Name:      "nowplaying",
			Aliases:   []string{"np", "song"},
			Category:  categoryMusic,
			Help:      "Displays info about the current song",
			GuildOnly: true,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				return cc.tb.player(cc.GuildID()).nowPlaying(cc)
			},
		},
		{
			Name:      "queue",
			Aliases:   []string{"q"},
			Category:  categoryMusic,
			Help:      "Displays the current songs in queue",
			GuildOnly: true,
			Timeout:   5 * time.Minute,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				return cc.tb.player(cc.GuildID()).showQueue(ctx, cc)
			},
		},
		{
			Name:      "skip",
			Aliases:   []string{"next"},
			Category:  categoryMusic,
			Help:      "Skips the current song being played",
			GuildOnly: true,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				if err := p.checkCaller(cc); err != nil {
					return err
				}
				return p.skip(cc)
			},
		},
		{
			Name:      "back",
			Aliases:   []string{"previous", "prev"},
			Category:  categoryMusic,
			Help:      "Returns to the previous song in queue",
			GuildOnly: true,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				if err := p.checkCaller(cc); err != nil {
					return err
				}
				return p.back(cc)
			},
		},
		{
			Name:      "jump",
			Aliases:   []string{"j"},
			Category:  categoryMusic,
			Help:      "Jumps to a song by track position or title",
			Usage:     "<position or title>",
			GuildOnly: true,
			MinArgs:   1,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				if err := p.checkCaller(cc); err != nil {
					return err
				}
				return p.jumpTo(cc, cc.ArgsFrom(0))
			},
		},
		{
			Name:      "clear",
			Category:  categoryMusic,
			Help:      "Clears the current queue",
			GuildOnly: true,
			Timeout:   time.Minute,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				// clear works even when the bot is disconnected
				if p.connected() {
					if err := p.checkCaller(cc); err != nil {
						return err
					}
				}
				return p.clearQueue(ctx, cc)
			},
		},
		{
			Name:      "remove",
			Aliases:   []string{"r"},
			Category:  categoryMusic,
			Help:      "Removes a song by track position or title",
			Usage:     "<position or title>",
			GuildOnly: true,
			MinArgs:   1,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				if err := p.checkCaller(cc); err != nil {
					return err
				}
				return p.removeTrack(ctx, cc, cc.ArgsFrom(0))
			},
		},
		{
			Name:      "removerange",
			Aliases:   []string{"rr"},
			Category:  categoryMusic,
			Help:      "Removes all songs between two positions, inclusive",
			Usage:     "<pos1> <pos2>",
			GuildOnly: true,
			MinArgs:   2,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				if err := p.checkCaller(cc); err != nil {
					return err
				}
				pos1, err := strconv.Atoi(cc.Arg(0))
				if err != nil {
					return newUserError(
						"Usage: `%sremoverange <pos1> <pos2>`", cc.prefix,
					)
				}
				pos2, err := strconv.Atoi(cc.Arg(1))
				if err != nil {
					return newUserError(
						"Usage: `%sremoverange <pos1> <pos2>`", cc.prefix,
					)
				}
				return p.removeRange(ctx, cc, pos1, pos2)
			},
		},
		{
			Name:      "shuffle",
			Category:  categoryMusic,
			Help:      "Shuffles the remaining songs in the queue",
			GuildOnly: true,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				if err := p.checkCaller(cc); err != nil {
					return err
				}
				return p.shuffleTracks(cc)
			},
		},
		{
			Name:      "loop",
			Aliases:   []string{"looptrack", "loopt"},
			Category:  categoryMusic,
			Help:      "\"on\" or \"off\", or toggles looping of the current track",
			Usage:     "[on|off]",
			GuildOnly: true,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				if err := p.checkCaller(cc); err != nil {
					return err
				}
				return p.setLooped(cc, parseOnOff(cc.Arg(0)))
			},
		},
		{
			Name:      "loopqueue",
			Aliases:   []string{"loopq"},
			Category:  categoryMusic,
			Help:      "\"on\" or \"off\", or toggles looping of the current queue",
			Usage:     "[on|off]",
			GuildOnly: true,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				if err := p.checkCaller(cc); err != nil {
					return err
				}
				return p.setQueueLooped(cc, parseOnOff(cc.Arg(0)))
			},
		},
		{
			Name:      "shuffleloop",
			Aliases:   []string{"loopshuffle"},
			Category:  categoryMusic,
			Help:      "Shuffles the queue when player loops back to the start",
			Usage:     "[on|off]",
			GuildOnly: true,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				if err := p.checkCaller(cc); err != nil {
					return err
				}
				return p.setShuffleLoop(cc, parseOnOff(cc.Arg(0)))
			},
		},
		{
			Name:      "namequeue",
			Aliases:   []string{"nameq"},
			Category:  categoryMusic,
			Help:      "Names the current queue",
			Usage:     "[name]",
			GuildOnly: true,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				// namequeue works even when the bot is disconnected
				if p.connected() {
					if err := p.checkCaller(cc); err != nil {
						return err
					}
				}
				return p.nameQueue(cc, cc.ArgsFrom(0))
			},
		},
	}
}

// savedQueueCommands returns the commands for saving, loading, and
// previewing personal queues.
func (tb *TacoBot) savedQueueCommands() []*Command {
	return []*Command{
		{
			Name:      "savequeue",
			Aliases:   []string{"saveq"},
			Category:  categoryQueues,
			Help:      "Saves the current queue to your personal list",
			Usage:     "[name]",
			GuildOnly: true,
			Timeout:   time.Minute,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				return p.saveQueue(ctx, cc, cc.ArgsFrom(0))
			},
		},
		{
			Name:      "loadqueue",
			Aliases:   []string{"loadq"},
			Category:  categoryQueues,
			Help:      "Loads and starts a queue from your personal list",
			Usage:     "<name>",
			GuildOnly: true,
			MinArgs:   1,
			Timeout:   time.Minute,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				if err := p.ensureVoice(cc); err != nil {
					return err
				}
				if err := p.checkCaller(cc); err != nil {
					return err
				}
				return p.loadQueue(ctx, cc, cc.ArgsFrom(0))
			},
		},
		{
			Name:      "showqueues",
			Aliases:   []string{"showqueue", "showq", "showqs"},
			Category:  categoryQueues,
			Help:      "Previews your list of saved queues",
			GuildOnly: true,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				return cc.tb.player(cc.GuildID()).showQueues(ctx, cc)
			},
		},
		{
			Name:      "addqueue",
			Aliases:   []string{"addq", "appendqueue", "appendq"},
			Category:  categoryQueues,
			Help:      "Appends a queue from your list to current queue",
			Usage:     "<name>",
			GuildOnly: true,
			MinArgs:   1,
			Timeout:   time.Minute,
			Handler: func(ctx context.Context, cc *CommandContext) error {
				p := cc.tb.player(cc.GuildID())
				if err := p.ensureVoice(cc); err != nil {
					return err
				}
				if err := p.checkCaller(cc); err != nil {
					return err
				}
				return p.appendQueue(ctx, cc, cc.ArgsFrom(0))
			},
		},
	}
}
