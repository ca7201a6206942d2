package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/repoexport/internal/download"
	"github.com/BadgerOps/repoexport/internal/safety"
)

const maxSolrResponseBytes = 64 << 20

// SolrOptions configures a Solr index adapter.
type SolrOptions struct {
	BaseURL string // core URL, e.g. http://localhost:8080/solr/collection1
	IDField string
	Sort    string
	Timeout time.Duration
}

// Solr resolves membership by querying relation fields that hold
// "info:fedora/<pid>" URIs.
type Solr struct {
	opts   SolrOptions
	http   *http.Client
	logger *slog.Logger
}

// NewSolr creates a Solr index adapter.
func NewSolr(opts SolrOptions, logger *slog.Logger) (*Solr, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := safety.ValidateHTTPURL(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("solr base url: %w", err)
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.IDField == "" {
		opts.IDField = "PID"
	}
	return &Solr{opts: opts, http: safety.NewHTTPClient(opts.Timeout), logger: logger}, nil
}

type solrResponse struct {
	Response struct {
		NumFound int              `json:"numFound"`
		Docs     []map[string]any `json:"docs"`
	} `json:"response"`
}

// membershipQuery ORs every relation field against the parent's URI.
func membershipQuery(parentID string, relations []string) string {
	uri := strconv.Quote(fedoraURIPrefix + parentID)
	clauses := make([]string, 0, len(relations))
	for _, rel := range relations {
		clauses = append(clauses, rel+":"+uri)
	}
	return strings.Join(clauses, " OR ")
}

func (s *Solr) CountChildren(ctx context.Context, who Identity, parentID string, relations []string) (int, error) {
	res, err := s.query(ctx, who, parentID, relations, 0)
	if err != nil {
		return 0, &Error{Op: "count", ID: parentID, Err: err}
	}
	return res.Response.NumFound, nil
}

func (s *Solr) ListChildren(ctx context.Context, who Identity, parentID string, relations []string, limit int) ([]string, error) {
	res, err := s.query(ctx, who, parentID, relations, limit)
	if err != nil {
		return nil, &Error{Op: "list", ID: parentID, Err: err}
	}

	ids := make([]string, 0, len(res.Response.Docs))
	for _, doc := range res.Response.Docs {
		switch v := doc[s.opts.IDField].(type) {
		case string:
			ids = append(ids, v)
		case []any:
			if len(v) > 0 {
				if id, ok := v[0].(string); ok {
					ids = append(ids, id)
				}
			}
		default:
			s.logger.Warn("solr document without id field", "parent", parentID, "field", s.opts.IDField)
		}
	}
	return ids, nil
}

func (s *Solr) query(ctx context.Context, who Identity, parentID string, relations []string, rows int) (*solrResponse, error) {
	if len(relations) == 0 {
		return nil, fmt.Errorf("no membership relations configured")
	}

	params := url.Values{}
	params.Set("q", membershipQuery(parentID, relations))
	params.Set("rows", strconv.Itoa(rows))
	params.Set("wt", "json")
	if rows > 0 {
		params.Set("fl", s.opts.IDField)
		if s.opts.Sort != "" {
			params.Set("sort", s.opts.Sort)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.BaseURL+"/select?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if !who.Anonymous() {
		req.Header.Set("X-On-Behalf-Of", who.User)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &download.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := safety.ReadAllWithLimit(resp.Body, maxSolrResponseBytes)
	if err != nil {
		return nil, err
	}
	var res solrResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decoding solr response: %w", err)
	}
	return &res, nil
}
