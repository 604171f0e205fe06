package tacobot

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackDurationString(t *testing.T) {
	for _, tc := range []struct {
		name     string
		seconds  int
		expected string
	}{
		{"zero", 0, "00:00"},
		{"under a minute", 59, "00:59"},
		{"exactly a minute", 60, "01:00"},
		{"typical track", 213, "03:33"},
		{"just under an hour", 3599, "59:59"},
		{"exactly an hour", 3600, "1:00:00"},
		{"over an hour", 3661, "1:01:01"},
		{"multiple hours", 7325, "2:02:05"},
		{"wraps at a day", 90061, "1:01:01"},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				track := &Track{Duration: tc.seconds}
				assert.Equal(t, tc.expected, track.DurationString())
			},
		)
	}
}

func TestTrackMarkdown(t *testing.T) {
	track := &Track{
		ID:         "dQw4w9WgXcQ",
		Title:      "Never Gonna Give You Up",
		WebpageURL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
	}
	expected := "[Never Gonna Give You Up](https://www.youtube.com/watch?v=dQw4w9WgXcQ)"
	assert.Equal(t, expected, track.Markdown())
	assert.Equal(t, expected, track.String())
}

func TestTrackTruncatedMarkdown(t *testing.T) {
	const watchURL = "https://example.com/watch"

	for _, tc := range []struct {
		name     string
		title    string
		maxChars int
		expected string
	}{
		{
			name:     "zero max returns full markdown",
			title:    "a very long title that would otherwise get cut",
			maxChars: 0,
			expected: "[a very long title that would otherwise get cut](" + watchURL + ")",
		},
		{
			name:     "short title unchanged",
			title:    "short",
			maxChars: 40,
			expected: "[short](" + watchURL + ")",
		},
		{
			name:     "long title truncated",
			title:    "abcdefghij",
			maxChars: 5,
			expected: "[abcde…](" + watchURL + ")",
		},
		{
			name:     "multibyte runes counted as one",
			title:    "héllo wörld",
			maxChars: 5,
			expected: "[héllo…](" + watchURL + ")",
		},
		{
			name:     "brackets stripped",
			title:    "[Official Video] Song",
			maxChars: 40,
			expected: "[Official Video Song](" + watchURL + ")",
		},
		{
			name:     "bracket left dangling by the cut is stripped",
			title:    "abc[def",
			maxChars: 4,
			expected: "[abc…](" + watchURL + ")",
		},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				track := &Track{Title: tc.title, WebpageURL: watchURL}
				assert.Equal(t, tc.expected, track.TruncatedMarkdown(tc.maxChars))
			},
		)
	}
}

func TestTrackStale(t *testing.T) {
	fresh := &Track{StreamURL: "https://cdn.example.com/a", FetchedAt: time.Now()}
	assert.False(t, fresh.Stale(time.Hour))

	old := &Track{
		StreamURL: "https://cdn.example.com/a",
		FetchedAt: time.Now().Add(-2 * time.Hour),
	}
	assert.True(t, old.Stale(time.Hour))

	// Never resolved counts as stale no matter how recent
	unresolved := &Track{FetchedAt: time.Now()}
	assert.True(t, unresolved.Stale(time.Hour))
}

func TestTrackLogValue(t *testing.T) {
	var nilTrack *Track
	assert.True(t, nilTrack.LogValue().Equal(slog.Value{}))

	track := &Track{ID: "abc", Title: "x", Duration: 10, RequestedBy: "42"}
	assert.Equal(t, slog.KindGroup, track.LogValue().Kind())
}

func TestResolveTarget(t *testing.T) {
	for _, tc := range []struct {
		name     string
		query    string
		expected string
	}{
		{
			name:     "https url passes through",
			query:    "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
			expected: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		},
		{
			name:     "http url passes through",
			query:    "http://youtu.be/dQw4w9WgXcQ",
			expected: "http://youtu.be/dQw4w9WgXcQ",
		},
		{
			name:     "bare video id becomes a watch url",
			query:    "dQw4w9WgXcQ",
			expected: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		},
		{
			name:     "surrounding whitespace trimmed",
			query:    "  dQw4w9WgXcQ\n",
			expected: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		},
		{
			name:     "invalid final id character falls back to search",
			query:    "dQw4w9WgXcZ",
			expected: "ytsearch:dQw4w9WgXcZ",
		},
		{
			name:     "search terms get the search prefix",
			query:    "never gonna give you up",
			expected: "ytsearch:never gonna give you up",
		},
		{
			name:     "too short for an id",
			query:    "abc",
			expected: "ytsearch:abc",
		},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, resolveTarget(tc.query))
			},
		)
	}
}

func TestBestAudioURL(t *testing.T) {
	t.Run("highest bitrate audio-only wins", func(t *testing.T) {
		info := ytdlInfo{
			Formats: []ytdlFormat{
				{FormatID: "249", URL: "u-low", ACodec: "opus", VCodec: "none", ABR: 50},
				{FormatID: "251", URL: "u-high", ACodec: "opus", VCodec: "none", ABR: 160},
				{FormatID: "250", URL: "u-mid", ACodec: "opus", VCodec: "none", ABR: 70},
			},
		}
		assert.Equal(t, "u-high", info.bestAudioURL())
	})

	t.Run("muxed formats skipped", func(t *testing.T) {
		info := ytdlInfo{
			Formats: []ytdlFormat{
				{URL: "u-muxed", ACodec: "mp4a", VCodec: "avc1", ABR: 999},
				{URL: "u-audio", ACodec: "opus", VCodec: "none", ABR: 48},
			},
		}
		assert.Equal(t, "u-audio", info.bestAudioURL())
	})

	t.Run("tbr used when abr missing", func(t *testing.T) {
		info := ytdlInfo{
			Formats: []ytdlFormat{
				{URL: "u-a", ACodec: "opus", VCodec: "none", TBR: 50},
				{URL: "u-b", ACodec: "opus", VCodec: "none", TBR: 70},
			},
		}
		assert.Equal(t, "u-b", info.bestAudioURL())
	})

	t.Run("falls back to top-level url", func(t *testing.T) {
		info := ytdlInfo{
			URL: "u-top",
			Formats: []ytdlFormat{
				{URL: "", ACodec: "opus", VCodec: "none"},
				{URL: "u-video", ACodec: "none", VCodec: "avc1"},
			},
		}
		assert.Equal(t, "u-top", info.bestAudioURL())
	})

	t.Run("falls back to any format url", func(t *testing.T) {
		info := ytdlInfo{
			Formats: []ytdlFormat{
				{URL: "u-video", ACodec: "none", VCodec: "avc1"},
			},
		}
		assert.Equal(t, "u-video", info.bestAudioURL())
	})

	t.Run("nothing available", func(t *testing.T) {
		assert.Equal(t, "", ytdlInfo{}.bestAudioURL())
	})
}

func TestYTDLInfoTrack(t *testing.T) {
	t.Run("missing id", func(t *testing.T) {
		assert.Nil(t, ytdlInfo{Title: "no id"}.track())
	})

	t.Run("full info", func(t *testing.T) {
		info := ytdlInfo{
			ID:         "dQw4w9WgXcQ",
			Title:      "Never Gonna Give You Up",
			Duration:   213.4,
			WebpageURL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
			Formats: []ytdlFormat{
				{URL: "u-audio", ACodec: "opus", VCodec: "none", ABR: 160},
			},
		}
		track := info.track()
		require.NotNil(t, track)
		assert.Equal(t, "dQw4w9WgXcQ", track.ID)
		assert.Equal(t, "Never Gonna Give You Up", track.Title)
		assert.Equal(t, 213, track.Duration)
		assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", track.WebpageURL)
		assert.Equal(t, "u-audio", track.StreamURL)
		assert.WithinDuration(t, time.Now(), track.FetchedAt, time.Minute)
	})

	t.Run("webpage url derived from id", func(t *testing.T) {
		track := ytdlInfo{ID: "abc123def45"}.track()
		require.NotNil(t, track)
		assert.Equal(t, youtubeWatchURL+"abc123def45", track.WebpageURL)
	})
}
