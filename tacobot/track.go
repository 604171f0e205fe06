package tacobot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/wader/goutubedl"
)

const (
	youtubeWatchURL = "https://www.youtube.com/watch?v="

	// youtubeSearchPrefix makes yt-dlp treat the target as a search query
	youtubeSearchPrefix = "ytsearch:"
)

var videoIDExactPattern = regexp.MustCompile(`^` + videoIDPattern + `$`)

// Track is a single YouTube video in a queue: its identity, display
// metadata, and the resolved stream URL used for playback.
type Track struct {
	// ID is the 11-character YouTube video ID
	ID string `json:"id"`

	Title string `json:"title"`

	// Duration of the video, in seconds
	Duration int `json:"duration"`

	// WebpageURL is the canonical watch URL
	WebpageURL string `json:"webpage_url"`

	// StreamURL is the best-audio format URL. These are signed and
	// expire server-side, so playback re-resolves stale tracks.
	StreamURL string `json:"-"`

	// RequestedBy is the Discord user ID that enqueued the track
	RequestedBy string `json:"requested_by"`

	// FetchedAt is when StreamURL was last resolved
	FetchedAt time.Time `json:"fetched_at"`
}

// DurationString renders the duration as H:MM:SS, or MM:SS under an hour.
func (t *Track) DurationString() string {
	seconds := t.Duration % (24 * 3600)
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	seconds %= 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// Markdown renders the track as a `[title](url)` hyperlink.
func (t *Track) Markdown() string {
	return fmt.Sprintf("[%s](%s)", t.Title, t.WebpageURL)
}

// TruncatedMarkdown renders the track as a hyperlink with the title
// capped at maxChars runes (marked with …). Square brackets are stripped
// so the link markdown can't be broken mid-title.
func (t *Track) TruncatedMarkdown(maxChars int) string {
	if maxChars <= 0 {
		return t.Markdown()
	}
	title := t.Title
	runes := []rune(title)
	if len(runes) > maxChars {
		title = string(runes[:maxChars]) + "…"
	}
	title = strings.ReplaceAll(title, "[", "")
	title = strings.ReplaceAll(title, "]", "")
	return fmt.Sprintf("[%s](%s)", title, t.WebpageURL)
}

// Stale reports whether the stream URL is older than ttl and needs to be
// re-resolved before playback.
func (t *Track) Stale(ttl time.Duration) bool {
	if t.StreamURL == "" {
		return true
	}
	return time.Since(t.FetchedAt) >= ttl
}

func (t *Track) String() string {
	return t.Markdown()
}

func (t *Track) LogValue() slog.Value {
	if t == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", t.ID),
		slog.String("title", t.Title),
		slog.Int("duration", t.Duration),
		slog.String("requested_by", t.RequestedBy),
	)
}

// trackResolver resolves a search query, watch URL, or video ID into
// playable tracks. Playlist URLs resolve to every entry.
type trackResolver interface {
	Resolve(ctx context.Context, query string) ([]*Track, error)
}

// ytdlResolver resolves tracks by spawning yt-dlp through goutubedl.
type ytdlResolver struct {
	logger *slog.Logger
}

func newYTDLResolver(config PlayerConfig, logger *slog.Logger) *ytdlResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if config.YTDLPath != "" {
		goutubedl.Path = config.YTDLPath
	}
	return &ytdlResolver{logger: logger.With(loggerNameKey, "ytdl")}
}

// ytdlFormat carries the per-format fields needed for best-audio
// selection. Decoded from the raw yt-dlp JSON rather than goutubedl's
// mapped Info, which doesn't carry format URLs.
type ytdlFormat struct {
	FormatID string  `json:"format_id"`
	URL      string  `json:"url"`
	ACodec   string  `json:"acodec"`
	VCodec   string  `json:"vcodec"`
	ABR      float64 `json:"abr"`
	TBR      float64 `json:"tbr"`
}

type ytdlInfo struct {
	ID         string       `json:"id"`
	Title      string       `json:"title"`
	Duration   float64      `json:"duration"`
	WebpageURL string       `json:"webpage_url"`
	URL        string       `json:"url"`
	Formats    []ytdlFormat `json:"formats"`
	Entries    []ytdlInfo   `json:"entries"`
}

// bestAudioURL picks the highest-bitrate audio-only format, falling back
// to the top-level muxed URL, then to any format carrying a URL.
func (info ytdlInfo) bestAudioURL() string {
	var best *ytdlFormat
	bestRate := -1.0
	for i := range info.Formats {
		f := &info.Formats[i]
		if f.URL == "" || f.ACodec == "" || f.ACodec == "none" {
			continue
		}
		if f.VCodec != "" && f.VCodec != "none" {
			continue
		}
		rate := f.ABR
		if rate == 0 {
			rate = f.TBR
		}
		if rate > bestRate {
			bestRate = rate
			best = f
		}
	}
	if best != nil {
		return best.URL
	}
	if info.URL != "" {
		return info.URL
	}
	for i := range info.Formats {
		if info.Formats[i].URL != "" {
			return info.Formats[i].URL
		}
	}
	return ""
}

func (info ytdlInfo) track() *Track {
	if info.ID == "" {
		return nil
	}
	webpageURL := info.WebpageURL
	if webpageURL == "" {
		webpageURL = youtubeWatchURL + info.ID
	}
	return &Track{
		ID:         info.ID,
		Title:      info.Title,
		Duration:   int(info.Duration),
		WebpageURL: webpageURL,
		StreamURL:  info.bestAudioURL(),
		FetchedAt:  time.Now(),
	}
}

// resolveTarget maps a user query to what yt-dlp should be handed: URLs
// pass through, bare video IDs become watch URLs, and everything else
// becomes a search.
func resolveTarget(query string) string {
	query = strings.TrimSpace(query)
	if strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://") {
		return query
	}
	if videoIDExactPattern.MatchString(query) {
		return youtubeWatchURL + query
	}
	return youtubeSearchPrefix + query
}

func (r *ytdlResolver) Resolve(ctx context.Context, query string) ([]*Track, error) {
	target := resolveTarget(query)
	search := strings.HasPrefix(target, youtubeSearchPrefix)

	log := r.logger.With("query", query, "target", target)
	log.InfoContext(ctx, "resolving track")
	started := time.Now()

	result, err := goutubedl.New(
		ctx, target, goutubedl.Options{Type: goutubedl.TypeAny},
	)
	if err != nil {
		log.ErrorContext(ctx, "yt-dlp extraction failed", tint.Err(err))
		return nil, fmt.Errorf("error resolving %q: %w", query, err)
	}

	var info ytdlInfo
	if err = json.Unmarshal(result.RawJSON, &info); err != nil {
		return nil, fmt.Errorf("error decoding yt-dlp output: %w", err)
	}

	var tracks []*Track
	switch {
	case len(info.Entries) > 0 && search:
		// A search resolves as a one-entry playlist; take the top hit
		if t := info.Entries[0].track(); t != nil {
			tracks = append(tracks, t)
		}
	case len(info.Entries) > 0:
		for i := range info.Entries {
			if t := info.Entries[i].track(); t != nil {
				tracks = append(tracks, t)
			}
		}
	default:
		if t := info.track(); t != nil {
			tracks = append(tracks, t)
		}
	}

	if len(tracks) == 0 {
		return nil, fmt.Errorf("no results for %q", query)
	}
	log.InfoContext(
		ctx,
		"resolved track(s)",
		"count", len(tracks),
		"duration", time.Since(started),
	)
	return tracks, nil
}
