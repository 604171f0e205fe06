package tacobot

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zmb3/spotify/v2"
)

func TestSpotifySearchQueries(t *testing.T) {
	firstPage := `{
		"items": [
			{"track": {"type": "track", "name": "Take Five",
				"artists": [{"name": "Dave Brubeck"}, {"name": "Paul Desmond"}]}},
			{"track": {"type": "episode", "name": "Some Podcast"}}
		],
		"next": "https://api.spotify.com/v1/playlists/plist/tracks?offset=2"
	}`
	secondPage := `{
		"items": [
			{"track": {"type": "track", "name": "Blue Rondo",
				"artists": [{"name": "Dave Brubeck"}]}}
		],
		"next": null
	}`

	client := spotify.New(
		&http.Client{
			Transport: roundTripperFunc(
				func(req *http.Request) (*http.Response, error) {
					if strings.Contains(req.URL.RawQuery, "offset=2") {
						return jsonResponse(http.StatusOK, secondPage), nil
					}
					return jsonResponse(http.StatusOK, firstPage), nil
				},
			),
		},
	)

	queries, err := spotifySearchQueries(context.Background(), client, "plist")
	require.NoError(t, err)
	assert.Equal(
		t,
		[]string{
			"ytsearch:Dave Brubeck, Paul Desmond - Take Five",
			"ytsearch:Dave Brubeck - Blue Rondo",
		},
		queries,
	)
}
