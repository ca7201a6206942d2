package repository

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BadgerOps/repoexport/internal/download"
	"github.com/BadgerOps/repoexport/internal/safety"
)

const (
	fedoraURIPrefix  = "info:fedora/"
	maxMetadataBytes = 8 << 20
)

// DefaultParentPredicates are the RELS-EXT predicates read as membership.
var DefaultParentPredicates = []string{"isMemberOfCollection", "isMemberOf", "isConstituentOf"}

// FedoraOptions configures a Fedora REST adapter.
type FedoraOptions struct {
	BaseURL          string
	Username         string
	Password         string
	ParentPredicates []string
	RetryAttempts    int
	Timeout          time.Duration
}

// Fedora loads objects from a Fedora Commons 3.x REST endpoint.
type Fedora struct {
	opts    FedoraOptions
	http    *http.Client
	fetcher *download.Client
	logger  *slog.Logger
}

// NewFedora creates a Fedora adapter.
func NewFedora(opts FedoraOptions, logger *slog.Logger) (*Fedora, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := safety.ValidateHTTPURL(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("fedora base url: %w", err)
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if len(opts.ParentPredicates) == 0 {
		opts.ParentPredicates = DefaultParentPredicates
	}
	return &Fedora{
		opts:    opts,
		http:    safety.NewHTTPClient(opts.Timeout),
		fetcher: download.NewClient(logger),
		logger:  logger,
	}, nil
}

type objectProfile struct {
	PID    string   `xml:"pid,attr"`
	Label  string   `xml:"objLabel"`
	Models []string `xml:"objModels>model"`
}

type datastreamList struct {
	Datastreams []struct {
		DSID     string `xml:"dsid,attr"`
		Label    string `xml:"label,attr"`
		MimeType string `xml:"mimeType,attr"`
	} `xml:"datastream"`
}

func (f *Fedora) LoadObject(ctx context.Context, who Identity, id string) (Object, error) {
	var profile objectProfile
	if err := f.getXML(ctx, who, f.objectURL(id)+"?format=xml", &profile); err != nil {
		return nil, &Error{Op: "load", ID: id, Err: err}
	}

	obj := &fedoraObject{repo: f, who: who, id: id, label: profile.Label}
	for _, m := range profile.Models {
		obj.models = append(obj.models, strings.TrimPrefix(m, fedoraURIPrefix))
	}

	parents, err := f.parents(ctx, who, id)
	if err != nil {
		return nil, &Error{Op: "load", ID: id, Err: err}
	}
	obj.parents = parents
	return obj, nil
}

// parents reads RELS-EXT and returns membership targets in predicate order.
// An object without RELS-EXT has no parents.
func (f *Fedora) parents(ctx context.Context, who Identity, id string) ([]string, error) {
	body, err := f.get(ctx, who, f.objectURL(id)+"/datastreams/RELS-EXT/content")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	found := make(map[string][]string)
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing RELS-EXT: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, attr := range se.Attr {
			if attr.Name.Local == "resource" {
				found[se.Name.Local] = append(found[se.Name.Local], strings.TrimPrefix(attr.Value, fedoraURIPrefix))
			}
		}
	}

	var parents []string
	for _, pred := range f.opts.ParentPredicates {
		parents = append(parents, found[pred]...)
	}
	return parents, nil
}

func (f *Fedora) objectURL(id string) string {
	return f.opts.BaseURL + "/objects/" + url.PathEscape(id)
}

func (f *Fedora) authorize(req *http.Request, who Identity) {
	switch {
	case who.Secret != "":
		req.SetBasicAuth(who.User, who.Secret)
	case f.opts.Password != "":
		req.SetBasicAuth(f.opts.Username, f.opts.Password)
	}
	if !who.Anonymous() {
		req.Header.Set("X-On-Behalf-Of", who.User)
	}
}

func (f *Fedora) get(ctx context.Context, who Identity, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	f.authorize(req, who)

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &download.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return safety.ReadAllWithLimit(resp.Body, maxMetadataBytes)
}

func (f *Fedora) getXML(ctx context.Context, who Identity, rawURL string, v any) error {
	body, err := f.get(ctx, who, rawURL)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s: %w", rawURL, err)
	}
	return nil
}

type fedoraObject struct {
	repo    *Fedora
	who     Identity
	id      string
	label   string
	models  []string
	parents []string
}

func (o *fedoraObject) ID() string        { return o.id }
func (o *fedoraObject) Label() string     { return o.label }
func (o *fedoraObject) Models() []string  { return o.models }
func (o *fedoraObject) Parents() []string { return o.parents }

func (o *fedoraObject) ContentUnits(ctx context.Context) ([]ContentUnit, error) {
	var list datastreamList
	if err := o.repo.getXML(ctx, o.who, o.repo.objectURL(o.id)+"/datastreams?format=xml", &list); err != nil {
		return nil, &Error{Op: "datastreams", ID: o.id, Err: err}
	}

	units := make([]ContentUnit, 0, len(list.Datastreams))
	for _, ds := range list.Datastreams {
		units = append(units, &fedoraDatastream{
			obj:      o,
			dsid:     ds.DSID,
			label:    ds.Label,
			mimeType: ds.MimeType,
		})
	}
	return units, nil
}

type fedoraDatastream struct {
	obj      *fedoraObject
	dsid     string
	label    string
	mimeType string
}

func (d *fedoraDatastream) ID() string    { return d.dsid }
func (d *fedoraDatastream) Label() string { return d.label }

func (d *fedoraDatastream) MimeType(ctx context.Context) (string, error) {
	if d.mimeType == "" {
		return "", &Error{Op: "mimetype", ID: d.obj.id + "/" + d.dsid, Err: errors.New("datastream has no mime type")}
	}
	return d.mimeType, nil
}

func (d *fedoraDatastream) RetrieveTo(ctx context.Context, who Identity, dest string) error {
	repo := d.obj.repo
	opts := download.Options{
		URL:        repo.objectURL(d.obj.id) + "/datastreams/" + url.PathEscape(d.dsid) + "/content",
		DestPath:   dest,
		RetryCount: repo.opts.RetryAttempts,
	}
	switch {
	case who.Secret != "":
		opts.Username, opts.Password = who.User, who.Secret
	case repo.opts.Password != "":
		opts.Username, opts.Password = repo.opts.Username, repo.opts.Password
	}
	if !who.Anonymous() {
		opts.Header = http.Header{"X-On-Behalf-Of": []string{who.User}}
	}

	if _, err := repo.fetcher.Fetch(ctx, opts); err != nil {
		return &Error{Op: "retrieve", ID: d.obj.id + "/" + d.dsid, Err: err}
	}
	return nil
}
