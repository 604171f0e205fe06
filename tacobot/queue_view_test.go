package tacobot

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func viewTestPlayer(numTracks int) *guildPlayer {
	p := &guildPlayer{queue: NewTrackQueue("My Mix"), pos: 1}
	for i := 1; i <= numTracks; i++ {
		p.queue.Add(
			&Track{
				ID:         fmt.Sprintf("id%02d", i),
				Title:      fmt.Sprintf("t%d", i),
				Duration:   30 * i,
				WebpageURL: fmt.Sprintf("u%d", i),
			},
		)
	}
	return p
}

func TestFormatQueuePage(t *testing.T) {
	t.Run("single page", func(t *testing.T) {
		p := viewTestPlayer(3)
		p.pos = 2

		expected := "**Default Guild Queue**\n\n" +
			"1) [t1](u1) | 00:30\n" +
			"**2) [t2](u2) | 01:00** 👈\n" +
			"3) [t3](u3) | 01:30\n" +
			"\nThis is the end of the queue! (**1** / **1**)"
		assert.Equal(t, expected, p.formatQueuePageLocked(1))
	})

	t.Run("loaded queue names the loader", func(t *testing.T) {
		p := viewTestPlayer(1)
		p.loadedBy = "42"

		page := p.formatQueuePageLocked(1)
		assert.Contains(t, page, "**Loaded by** <@42>\n\n")
		assert.NotContains(t, page, "Default Guild Queue")
	})

	t.Run("middle page of several", func(t *testing.T) {
		p := viewTestPlayer(25)

		page := p.formatQueuePageLocked(11)
		assert.Contains(t, page, "11) [t11](u11)")
		assert.Contains(t, page, "20) [t20](u20)")
		assert.NotContains(t, page, "10) ")
		assert.NotContains(t, page, "21) ")
		assert.Contains(t, page, "The queue continues! (**2** / **3**)")
	})

	t.Run("last page", func(t *testing.T) {
		p := viewTestPlayer(25)

		page := p.formatQueuePageLocked(21)
		assert.Contains(t, page, "This is the end of the queue! (**3** / **3**)")
	})
}

func TestQueuePages(t *testing.T) {
	t.Run("empty queue", func(t *testing.T) {
		p := viewTestPlayer(0)
		pages := p.queuePages()
		require.Len(t, pages, 1)
		assert.Equal(t, "📜 My Mix", pages[0].Title)
		assert.Equal(t, "The queue is empty! 🤔", pages[0].Description)
		assert.Equal(t, embedColors["gold"], pages[0].Color)
	})

	t.Run("single page", func(t *testing.T) {
		p := viewTestPlayer(10)
		pages := p.queuePages()
		require.Len(t, pages, 1)
		assert.Contains(t, pages[0].Description, "1) [t1](u1)")
		assert.Contains(t, pages[0].Description, "10) [t10](u10)")
	})

	t.Run("paginated", func(t *testing.T) {
		p := viewTestPlayer(12)
		pages := p.queuePages()
		require.Len(t, pages, 2)
		assert.Contains(t, pages[0].Description, "The queue continues! (**1** / **2**)")
		assert.Contains(t, pages[1].Description, "11) [t11](u11)")
		assert.Contains(
			t, pages[1].Description, "This is the end of the queue! (**2** / **2**)",
		)
		for _, page := range pages {
			assert.Equal(t, "📜 My Mix", page.Title)
		}
	})
}

func TestQueuePageIndex(t *testing.T) {
	for _, tc := range []struct {
		name      string
		numTracks int
		pos       int
		numPages  int
		expected  int
	}{
		{"first page", 25, 1, 3, 0},
		{"last track of first page", 25, 10, 3, 0},
		{"first track of second page", 25, 11, 3, 1},
		{"middle", 25, 15, 3, 1},
		{"last page", 25, 21, 3, 2},
		{"past the end clamps to last", 25, 99, 3, 2},
		{"before the start shows last", 25, 0, 3, 2},
		{"empty queue", 0, 1, 1, 0},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				p := viewTestPlayer(tc.numTracks)
				p.pos = tc.pos
				assert.Equal(t, tc.expected, p.queuePageIndex(tc.numPages))
			},
		)
	}
}
