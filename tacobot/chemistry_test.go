package tacobot

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const aspirinJSON = `{
	"PropertyTable": {
		"Properties": [
			{
				"CID": 2244,
				"IUPACName": "2-acetyloxybenzoic acid",
				"IsomericSMILES": "CC(=O)OC1=CC=CC=C1C(=O)O",
				"MolecularFormula": "C9H8O4",
				"MolecularWeight": "180.16"
			}
		]
	}
}`

// pubchemNamespaceFromPath extracts the namespace segment from a PUG
// REST path like /rest/pug/compound/cid/2244/property/....
func pubchemNamespaceFromPath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "compound" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func TestBasicInfo(t *testing.T) {
	compound := &pubchemCompound{
		CID:              2244,
		IUPACName:        "2-acetyloxybenzoic acid",
		IsomericSMILES:   "CC(=O)OC1=CC=CC=C1C(=O)O",
		MolecularFormula: "C9H8O4",
		MolecularWeight:  "180.16",
	}
	assert.Equal(
		t,
		[][2]string{
			{"IUPAC Name", "2-acetyloxybenzoic acid"},
			{"Isomeric SMILE", "CC(=O)OC1=CC=CC=C1C(=O)O"},
			{"Mol. Formula", "C₉H₈O₄"},
			{"Mol. Weight", "180.16"},
		},
		basicInfo(compound),
	)

	t.Run("missing fields", func(t *testing.T) {
		for _, pair := range basicInfo(&pubchemCompound{}) {
			assert.Equal(t, "N/A", pair[1], pair[0])
		}
	})
}

func TestPubchemFindCompound(t *testing.T) {
	ctx := context.Background()

	t.Run("cid match", func(t *testing.T) {
		var calls int
		client := newPubchemClient(
			&http.Client{
				Transport: roundTripperFunc(
					func(req *http.Request) (*http.Response, error) {
						calls++
						assert.Equal(t, "pubchem.ncbi.nlm.nih.gov", req.URL.Host)
						assert.True(
							t,
							strings.HasPrefix(
								req.URL.Path,
								"/rest/pug/compound/cid/2244/property/",
							),
							req.URL.Path,
						)
						return jsonResponse(http.StatusOK, aspirinJSON), nil
					},
				),
			},
			nil,
		)

		compound, namespace, err := client.FindCompound(ctx, "2244")
		require.NoError(t, err)
		require.NotNil(t, compound)
		assert.Equal(t, "cid", namespace)
		assert.Equal(t, 2244, compound.CID)
		assert.Equal(t, "C9H8O4", compound.MolecularFormula)
		assert.Equal(t, 1, calls)
	})

	t.Run("name match after other namespaces miss", func(t *testing.T) {
		var namespaces []string
		client := newPubchemClient(
			&http.Client{
				Transport: roundTripperFunc(
					func(req *http.Request) (*http.Response, error) {
						namespace := pubchemNamespaceFromPath(req.URL.Path)
						namespaces = append(namespaces, namespace)
						if namespace == "inchi" {
							assert.Equal(t, http.MethodPost, req.Method)
							body, _ := io.ReadAll(req.Body)
							assert.Contains(t, string(body), "inchi=aspirin")
						}
						if namespace != "name" {
							return jsonResponse(http.StatusNotFound, `{}`), nil
						}
						return jsonResponse(http.StatusOK, aspirinJSON), nil
					},
				),
			},
			nil,
		)

		compound, namespace, err := client.FindCompound(ctx, "aspirin")
		require.NoError(t, err)
		require.NotNil(t, compound)
		assert.Equal(t, "name", namespace)
		assert.Equal(
			t,
			[]string{"cid", "inchi", "inchikey", "smiles", "name"},
			namespaces,
		)
	})

	t.Run("no results", func(t *testing.T) {
		client := newPubchemClient(
			&http.Client{
				Transport: roundTripperFunc(
					func(*http.Request) (*http.Response, error) {
						return jsonResponse(http.StatusNotFound, `{}`), nil
					},
				),
			},
			nil,
		)
		compound, namespace, err := client.FindCompound(ctx, "unobtainium")
		require.NoError(t, err)
		assert.Nil(t, compound)
		assert.Empty(t, namespace)
	})

	t.Run("canceled context", func(t *testing.T) {
		client := newPubchemClient(&http.Client{}, nil)
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, _, err := client.FindCompound(canceled, "water")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestPubchemDownloadImage(t *testing.T) {
	ctx := context.Background()
	png := []byte("\x89PNG fake image data")

	t.Run("success", func(t *testing.T) {
		client := newPubchemClient(
			&http.Client{
				Transport: roundTripperFunc(
					func(req *http.Request) (*http.Response, error) {
						assert.True(
							t, strings.HasSuffix(req.URL.Path, "/PNG"), req.URL.Path,
						)
						return &http.Response{
							StatusCode: http.StatusOK,
							Body:       io.NopCloser(strings.NewReader(string(png))),
							Header:     http.Header{},
						}, nil
					},
				),
			},
			nil,
		)
		data, err := client.DownloadImage(ctx, "name", "aspirin")
		require.NoError(t, err)
		assert.Equal(t, png, data)
	})

	t.Run("bad status", func(t *testing.T) {
		client := newPubchemClient(
			&http.Client{
				Transport: roundTripperFunc(
					func(*http.Request) (*http.Response, error) {
						return jsonResponse(http.StatusServiceUnavailable, ``), nil
					},
				),
			},
			nil,
		)
		_, err := client.DownloadImage(ctx, "name", "aspirin")
		assert.ErrorContains(t, err, "compound image returned status 503")
	})

	t.Run("transport error", func(t *testing.T) {
		client := newPubchemClient(
			&http.Client{
				Transport: roundTripperFunc(
					func(*http.Request) (*http.Response, error) {
						return nil, errors.New("connection refused")
					},
				),
			},
			nil,
		)
		_, err := client.DownloadImage(ctx, "name", "aspirin")
		assert.ErrorContains(t, err, "error requesting compound image")
	})
}

func TestRenderMolecule(t *testing.T) {
	ctx := context.Background()
	png := []byte("\x89PNG rendered molecule")

	store := newMemoryStore()
	tb := &TacoBot{
		storage: store,
		pubchem: newPubchemClient(
			&http.Client{
				Transport: roundTripperFunc(
					func(*http.Request) (*http.Response, error) {
						return &http.Response{
							StatusCode: http.StatusOK,
							Body:       io.NopCloser(strings.NewReader(string(png))),
							Header:     http.Header{},
						}, nil
					},
				),
			},
			nil,
		),
	}

	imageURL, err := tb.renderMolecule(ctx, "cid", "2244")
	require.NoError(t, err)
	assert.Equal(t, "memory://"+moleculeImageKey, imageURL)

	stored, err := store.Get(ctx, moleculeImageKey)
	require.NoError(t, err)
	assert.Equal(t, png, stored)

	t.Run("download failure", func(t *testing.T) {
		failing := &TacoBot{
			storage: newMemoryStore(),
			pubchem: newPubchemClient(
				&http.Client{
					Transport: roundTripperFunc(
						func(*http.Request) (*http.Response, error) {
							return jsonResponse(http.StatusBadGateway, ``), nil
						},
					),
				},
				nil,
			),
		}
		_, renderErr := failing.renderMolecule(ctx, "cid", "2244")
		assert.ErrorContains(t, renderErr, "compound image returned status 502")
	})
}
