package tacobot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	pubchemBaseURL     = "https://pubchem.ncbi.nlm.nih.gov/rest/pug"
	pubchemCompoundURL = "https://pubchem.ncbi.nlm.nih.gov/compound/"

	// moleculeImageKey is where the most recent compound render lives
	// in the object store
	moleculeImageKey = "molecule.png"

	periodicTableImageURL = "https://upload.wikimedia.org/wikipedia/commons/thumb/0/03/Simple_Periodic_Table_Chart-blocks.svg/1920px-Simple_Periodic_Table_Chart-blocks.svg.png"
)

// pubchemNamespaces are the search types tried in order, most unique
// first. Formula searches are excluded since they take forever and
// name covers them decently well.
var pubchemNamespaces = []string{"cid", "inchi", "inchikey", "smiles", "name"}

var formulaSubscripts = strings.NewReplacer(
	"0", "₀", "1", "₁", "2", "₂", "3", "₃", "4", "₄",
	"5", "₅", "6", "₆", "7", "₇", "8", "₈", "9", "₉",
)

// pubchemCompound is the property subset shown for a search hit.
// MolecularWeight stays a string since PubChem serves it as one.
type pubchemCompound struct {
	CID              int    `json:"CID"`
	IUPACName        string `json:"IUPACName"`
	IsomericSMILES   string `json:"IsomericSMILES"`
	MolecularFormula string `json:"MolecularFormula"`
	MolecularWeight  string `json:"MolecularWeight"`
}

type pubchemPropertyTable struct {
	PropertyTable struct {
		Properties []pubchemCompound `json:"Properties"`
	} `json:"PropertyTable"`
}

// pubchemClient queries the PubChem PUG REST API.
type pubchemClient struct {
	httpClient *http.Client
	logger     *slog.Logger
}

func newPubchemClient(httpClient *http.Client, logger *slog.Logger) *pubchemClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &pubchemClient{
		httpClient: httpClient,
		logger:     logger.With(loggerNameKey, "pubchem"),
	}
}

// request issues a PUG REST call for the given namespace and query.
// InChI input has to go through a POST form since the keys contain
// slashes.
func (c *pubchemClient) request(
	ctx context.Context,
	namespace string,
	query string,
	suffix string,
) (*http.Response, error) {
	if namespace == "inchi" {
		endpoint := fmt.Sprintf(
			"%s/compound/inchi/%s", pubchemBaseURL, suffix,
		)
		form := url.Values{"inchi": {query}}
		req, err := http.NewRequestWithContext(
			ctx,
			http.MethodPost,
			endpoint,
			strings.NewReader(form.Encode()),
		)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return c.httpClient.Do(req)
	}

	endpoint := fmt.Sprintf(
		"%s/compound/%s/%s/%s",
		pubchemBaseURL, namespace, url.PathEscape(query), suffix,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

// FindCompound searches each namespace in turn and returns the first
// compound found along with the namespace that matched. A nil compound
// with nil error means the query pulled no results anywhere.
func (c *pubchemClient) FindCompound(
	ctx context.Context,
	query string,
) (*pubchemCompound, string, error) {
	const suffix = "property/IUPACName,IsomericSMILES,MolecularFormula,MolecularWeight/JSON"

	for _, namespace := range pubchemNamespaces {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}

		resp, err := c.request(ctx, namespace, query, suffix)
		if err != nil {
			c.logger.WarnContext(
				ctx, "pubchem request failed",
				tint.Err(err), "namespace", namespace,
			)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			continue
		}

		var table pubchemPropertyTable
		err = json.NewDecoder(resp.Body).Decode(&table)
		_ = resp.Body.Close()
		if err != nil {
			c.logger.WarnContext(
				ctx, "error decoding pubchem response",
				tint.Err(err), "namespace", namespace,
			)
			continue
		}
		if len(table.PropertyTable.Properties) > 0 {
			compound := table.PropertyTable.Properties[0]
			return &compound, namespace, nil
		}
	}
	return nil, "", nil
}

// DownloadImage fetches the rendered 2D structure PNG for a query.
func (c *pubchemClient) DownloadImage(
	ctx context.Context,
	namespace string,
	query string,
) ([]byte, error) {
	resp, err := c.request(ctx, namespace, query, "PNG")
	if err != nil {
		return nil, fmt.Errorf("error requesting compound image: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("compound image returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading compound image: %w", err)
	}
	return data, nil
}

// basicInfo returns the labeled display fields for a compound, in
// order.
func basicInfo(compound *pubchemCompound) [][2]string {
	iupac := compound.IUPACName
	if iupac == "" {
		iupac = "N/A"
	}
	smiles := compound.IsomericSMILES
	if smiles == "" {
		smiles = "N/A"
	}
	formula := "N/A"
	if compound.MolecularFormula != "" {
		formula = formulaSubscripts.Replace(compound.MolecularFormula)
	}
	weight := compound.MolecularWeight
	if weight == "" {
		weight = "N/A"
	}
	return [][2]string{
		{"IUPAC Name", iupac},
		{"Isomeric SMILE", smiles},
		{"Mol. Formula", formula},
		{"Mol. Weight", weight},
	}
}

func chemistryCommands() []*Command {
	return []*Command{
		{
			Name:     "periodictable",
			Aliases:  []string{"periodic", "ptable"},
			Category: categoryUtility,
			Help:     "Displays the periodic table of the chemical elements",
			Handler: func(_ context.Context, cc *CommandContext) error {
				embed := makeEmbed("", "", "green")
				embed.Image = &discordgo.MessageEmbedImage{
					URL: periodicTableImageURL,
				}
				msg, err := cc.ReplyEmbed(embed)
				if err != nil {
					return err
				}
				cc.reactRemove(msg)
				return nil
			},
		},
		{
			Name:     "pubchem",
			Aliases:  []string{"chem"},
			Category: categoryUtility,
			Help:     "Searches query on PubChem and returns basic info if found",
			Usage:    "<query>",
			MinArgs:  1,
			Timeout:  2 * time.Minute,
			Handler:  pubchemHandler,
		},
	}
}

func pubchemHandler(ctx context.Context, cc *CommandContext) error {
	query := cc.ArgsFrom(0)
	_ = cc.session.ChannelTyping(cc.ChannelID())

	compound, namespace, err := cc.tb.pubchem.FindCompound(ctx, query)
	if err != nil {
		return err
	}
	if compound == nil {
		cc.logger.InfoContext(ctx, fmt.Sprintf(
			"%s searched for '%s' on PubChem and pulled no results",
			cc.AuthorName(), query,
		))
		_, err = cc.ReplyEmbed(errorEmbed(fmt.Sprintf(
			"⚠ **%s**, your query `%s` pulled no results on [PubChem](https://pubchem.ncbi.nlm.nih.gov/)!",
			cc.AuthorName(), query,
		)))
		return err
	}

	cc.logger.InfoContext(ctx, fmt.Sprintf(
		"Processing result of PubChem query '%s' for %s...",
		query, cc.AuthorName(),
	))

	imageURL, err := cc.tb.renderMolecule(ctx, namespace, query)
	if err != nil {
		cc.logger.WarnContext(
			ctx, "error rendering compound image", tint.Err(err),
		)
		_, err = cc.ReplyEmbed(errorEmbed("An error occurred"))
		return err
	}

	entries := []string{
		pubchemCompoundURL + fmt.Sprint(compound.CID),
		"",
	}
	for _, pair := range basicInfo(compound) {
		if len(pair[1]) > 20 {
			entries = append(
				entries, fmt.Sprintf("**%s:**\n`%s`", pair[0], pair[1]),
			)
		} else {
			entries = append(
				entries, fmt.Sprintf("**%s:** `%s`", pair[0], pair[1]),
			)
		}
	}

	embed := makeEmbed(strings.Join(entries, "\n"), "PubChem Search Result", "green")
	embed.Image = &discordgo.MessageEmbedImage{URL: imageURL}
	embed.Footer = &discordgo.MessageEmbedFooter{
		Text: fmt.Sprintf(
			"Search type: %s\nQuery: \"%s\"",
			strings.ToUpper(namespace), query,
		),
	}

	msg, err := cc.ReplyEmbed(embed)
	if err != nil {
		return err
	}
	cc.reactRemove(msg)
	return nil
}

// renderMolecule downloads the compound PNG, stores it, and returns a
// presigned URL an embed can use.
func (tb *TacoBot) renderMolecule(
	ctx context.Context,
	namespace string,
	query string,
) (string, error) {
	data, err := tb.pubchem.DownloadImage(ctx, namespace, query)
	if err != nil {
		return "", err
	}
	if err = tb.storage.Put(ctx, moleculeImageKey, data); err != nil {
		return "", err
	}
	return tb.storage.PresignGet(ctx, moleculeImageKey, time.Hour)
}
