// Package tacobot implements a personal Discord bot centered on a
// per-guild music player, with a grab bag of utility commands layered
// on top.
//
// TacoBot listens for prefixed text commands ("%" normally, "&" for the
// tester instance), dispatches them through a per-guild worker, and
// persists users, runtime configuration and command history through
// GORM. Saved song queues and other whole-file state live in S3-style
// object storage.
//
// Key components of the package include:
//
//   - TacoBot: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles Discord integration and gateway events.
//   - guildPlayer: Per-guild music playback state machine.
//   - API: Provides a backend API for bot management and monitoring.
//   - Database: Handles data persistence and retrieval.
//   - ObjectStore: Whole-file blob persistence (playlists, presence).
//
// The music player queues YouTube tracks resolved through yt-dlp,
// streams them over a guild voice connection, and renders the queue as
// a paginated, reaction-driven embed. Track positions are 1-indexed;
// loop, queue-loop and shuffle-on-loop modes control what plays next.
//
// The utility commands cover unit and currency conversion, chemical
// lookups, linear-system solving, Go snippet evaluation, and a few
// purely social commands. A small set of owner-only commands controls
// presence, pausing, and process restart.
package tacobot
