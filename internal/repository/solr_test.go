package repository

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipQuery(t *testing.T) {
	q := membershipQuery("demo:root", []string{"RELS_EXT_isMemberOfCollection_uri_ms", "RELS_EXT_isConstituentOf_uri_ms"})
	assert.Equal(t,
		`RELS_EXT_isMemberOfCollection_uri_ms:"info:fedora/demo:root" OR RELS_EXT_isConstituentOf_uri_ms:"info:fedora/demo:root"`,
		q)
}

func TestSolrCountAndList(t *testing.T) {
	var lastQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastQuery = r.URL.RawQuery
		assert.Equal(t, "/solr/select", r.URL.Path)
		if r.URL.Query().Get("rows") == "0" {
			_, _ = w.Write([]byte(`{"response":{"numFound":3,"docs":[]}}`))
			return
		}
		assert.Equal(t, "PID", r.URL.Query().Get("fl"))
		assert.Equal(t, "PID asc", r.URL.Query().Get("sort"))
		_, _ = w.Write([]byte(`{"response":{"numFound":3,"docs":[{"PID":"demo:1"},{"PID":["demo:2"]},{"other":"x"}]}}`))
	}))
	defer srv.Close()

	s, err := NewSolr(SolrOptions{BaseURL: srv.URL + "/solr", Sort: "PID asc"}, nil)
	require.NoError(t, err)
	rels := []string{"RELS_EXT_isMemberOfCollection_uri_ms"}

	n, err := s.CountChildren(context.Background(), Identity{}, "demo:root", rels)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Contains(t, lastQuery, "rows=0")

	ids, err := s.ListChildren(context.Background(), Identity{}, "demo:root", rels, 10000)
	require.NoError(t, err)
	assert.Equal(t, []string{"demo:1", "demo:2"}, ids)
}

func TestSolrServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := NewSolr(SolrOptions{BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	_, err = s.CountChildren(context.Background(), Identity{}, "demo:root", []string{"rel"})
	require.Error(t, err)
	assert.True(t, IsAccessError(err))

	_, err = s.CountChildren(context.Background(), Identity{}, "demo:root", nil)
	require.Error(t, err)
}
