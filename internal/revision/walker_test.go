package revision_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pukiwiki-dumper/internal/checkpoint"
	"github.com/JakeFAU/pukiwiki-dumper/internal/revision"
	"github.com/JakeFAU/pukiwiki-dumper/internal/transport"
	"github.com/JakeFAU/pukiwiki-dumper/internal/wiki"
)

const backupListing = `<html><body><div id="body"><ul><li>Backup list<ul>
<li><a href="./?cmd=backup&amp;page=FrontPage&amp;age=1">1 (2006-04-06 (Thu) 15:00:13)</a>
 [ <a href="./?cmd=backup&amp;action=diff&amp;page=FrontPage&amp;age=1">diff</a> ]</li>
<li><a href="./?cmd=backup&amp;action=source&amp;page=FrontPage&amp;age=2">source</a>
 <a href="./?cmd=backup&amp;page=FrontPage&amp;age=2">2 (2007-01-01 (Mon) 00:00:00)</a></li>
<li><a href="./?cmd=backup&amp;page=FrontPage&amp;age=3">3 (2008-02-02 (Sat) 12:00:00)</a></li>
<li><a href="./?cmd=backup&amp;page=FrontPage&amp;age=x">broken</a></li>
</ul></li></ul></div></body></html>`

type backupWiki struct {
	mu       sync.Mutex
	requests []string
	listing  string
	sources  map[string]string
	statuses map[string]int
}

func (b *backupWiki) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	b.mu.Lock()
	b.requests = append(b.requests, r.URL.RawQuery)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if q.Get("action") != "source" {
		_, _ = w.Write([]byte(b.listing))
		return
	}
	if code, ok := b.statuses[q.Get("age")]; ok {
		http.Error(w, http.StatusText(code), code)
		return
	}
	src, ok := b.sources[q.Get("age")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write([]byte("<html><body><pre>" + src + "</pre></body></html>"))
}

func (b *backupWiki) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func newWalker(t *testing.T, b *backupWiki) (*revision.Walker, *checkpoint.Store) {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	store, err := checkpoint.New(checkpoint.Config{Root: t.TempDir()})
	require.NoError(t, err)
	session := transport.NewSession(transport.Config{}, zap.NewNop())
	return revision.New(session, store, srv.URL+"/", zap.NewNop()), store
}

var frontPage = wiki.Page{Title: "FrontPage", URLEncoding: transport.UTF8}

func TestParseHistory(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(backupListing))
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	revs := revision.ParseHistory(doc, now)
	require.Len(t, revs, 5)
	assert.Equal(t, "", revs[0].ID, "head first")
	assert.Equal(t, []string{"3", "2", "1"}, []string{revs[1].ID, revs[2].ID, revs[3].ID})
	assert.Equal(t, "2 (2007-01-01 (Mon) 00:00:00)", revs[2].Label)
	assert.Equal(t, "1 (2006-04-06 (Thu) 15:00:13)", revs[3].Label)
	assert.Equal(t, "", revs[4].ID)
	assert.Equal(t, "broken", revs[4].Label)
	assert.Equal(t, now, revs[1].RetrievedAt)
}

func TestRunSavesRevisionsAndIsolatesFailures(t *testing.T) {
	t.Parallel()

	b := &backupWiki{
		listing: backupListing,
		sources: map[string]string{"3": "third", "1": "first"},
	}
	w, store := newWalker(t, b)

	require.NoError(t, w.Run(context.Background(), frontPage))

	for id, want := range map[string]string{"3": "third", "1": "first"} {
		data, err := os.ReadFile(store.RevisionPath("FrontPage", id))
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
	assert.False(t, store.Exists(store.RevisionPath("FrontPage", "2")), "age 2 was removed on the server")

	raw, err := os.ReadFile(store.ChangesPath("FrontPage"))
	require.NoError(t, err)
	var revs []wiki.Revision
	require.NoError(t, json.Unmarshal(raw, &revs))
	assert.Len(t, revs, 5)
}

func TestRunKeepsWalkingPastFailedRevision(t *testing.T) {
	t.Parallel()

	b := &backupWiki{
		listing:  backupListing,
		sources:  map[string]string{"2": "second", "1": "first"},
		statuses: map[string]int{"3": http.StatusForbidden},
	}
	w, store := newWalker(t, b)

	err := w.Run(context.Background(), frontPage)
	var statusErr *transport.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.Code)

	for id, want := range map[string]string{"2": "second", "1": "first"} {
		data, err := os.ReadFile(store.RevisionPath("FrontPage", id))
		require.NoError(t, err, "age %s is fetched after the failure", id)
		assert.Equal(t, want, string(data))
	}
	assert.False(t, store.Exists(store.RevisionPath("FrontPage", "3")))
	assert.False(t, store.Exists(store.ChangesPath("FrontPage")), "history stays incomplete")
}

func TestWalkSkipsSavedRevisions(t *testing.T) {
	t.Parallel()

	b := &backupWiki{sources: map[string]string{"1": "first"}}
	w, store := newWalker(t, b)
	require.NoError(t, store.WriteFile(store.RevisionPath("FrontPage", "1"), []byte("first")))

	revs := []wiki.Revision{{Label: "current"}, {ID: "1"}}
	require.NoError(t, w.Walk(context.Background(), frontPage, revs))
	assert.Zero(t, b.count())
}

func TestWalkHeadOnlyMakesNoRequests(t *testing.T) {
	t.Parallel()

	b := &backupWiki{}
	w, _ := newWalker(t, b)
	require.NoError(t, w.Walk(context.Background(), frontPage, []wiki.Revision{{Label: "current"}}))
	assert.Zero(t, b.count())
}

func TestHistoryDisabledYieldsHead(t *testing.T) {
	t.Parallel()

	b := &backupWiki{listing: `<html><body><p>Action disabled: backup</p></body></html>`}
	w, _ := newWalker(t, b)

	revs, err := w.History(context.Background(), frontPage)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, "current", revs[0].Label)
}

func TestFetchEmptyPreIsUnavailable(t *testing.T) {
	t.Parallel()

	b := &backupWiki{sources: map[string]string{"4": "   "}}
	w, _ := newWalker(t, b)

	_, err := w.Fetch(context.Background(), frontPage, "4")
	assert.ErrorIs(t, err, wiki.ErrRevisionUnavailable)
}
