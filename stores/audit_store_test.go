package stores

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

const (
	fakeDBAddr, fakeUsername, fakePasswd = "http://fake-db:5984", "fakeusername", "fakepasswd"
	fakeAuditDBName                      = "fake-audit-db"
)

func newTestCouchAuditStore(rt http.RoundTripper) *CouchAuditStore {
	return NewCouchAuditStore(&CouchConfig{
		RT:          rt,
		AuditDBName: fakeAuditDBName,
		DBAddr:      fakeDBAddr,
		DBUsername:  fakeUsername,
		DBPasswd:    fakePasswd,
	})
}

func assertCouchRequest(t *testing.T, req *http.Request, method, path string) {
	assert.Equal(t, method, req.Method)
	assert.Equal(t, path, req.URL.Path)
	assert.Contains(t, fakeDBAddr, req.URL.Hostname())
	uname, passwd, ok := req.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, fakeUsername, uname)
	assert.Equal(t, fakePasswd, passwd)
}

func respWith(status int, body string) *http.Response {
	return &http.Response{
		Body:       ioutil.NopCloser(bytes.NewReader([]byte(body))),
		StatusCode: status,
	}
}

func TestCouchAuditStore_Record(t *testing.T) {
	rec := &md.AuditRecord{
		ID:         "0ujsszwN8NRY24YaXiTIE2VWDTS",
		ActorID:    "alice",
		Action:     "SHARE_FILE",
		TargetType: "File",
		TargetID:   "f1",
		Timestamp:  time.Unix(1600000000, 0).UTC(),
	}
	expPath := fmt.Sprintf("/%s/%s", fakeAuditDBName, rec.ID)
	tcs := []struct {
		name      string
		resp      *http.Response
		rtErr     error
		failed    bool
		expErrMsg string
	}{
		{
			name: "HappyCase",
			resp: respWith(http.StatusCreated, `{"ok":true}`),
		},
		{
			name:      "NetworkError",
			resp:      nil,
			rtErr:     &net.AddrError{Err: "no internet"},
			failed:    true,
			expErrMsg: "error getting response from DB",
		},
		{
			name:      "ErrorReadingResponse",
			resp:      respWith(http.StatusBadRequest, "junk"),
			failed:    true,
			expErrMsg: "failed to unmarshal CouchDB response body",
		},
		{
			name:      "ErrorFromCouchDB",
			resp:      respWith(http.StatusInternalServerError, `{"error": "DB nuked", "reason": "hacked"}`),
			failed:    true,
			expErrMsg: "error: DB nuked reason: hacked",
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			rt := &mockTransport{}
			rt.On("RoundTrip", mock.Anything).Run(func(args mock.Arguments) {
				req := args.Get(0).(*http.Request)
				assertCouchRequest(t, req, http.MethodPut, expPath)
				got := &md.AuditRecord{}
				require.NoError(t, json.NewDecoder(req.Body).Decode(got))
				assert.Equal(t, rec.Action, got.Action)
				assert.True(t, rec.Timestamp.Equal(got.Timestamp))
			}).Return(c.resp, c.rtErr)
			// when
			err := newTestCouchAuditStore(rt).Record(rec)
			rt.AssertExpectations(t)
			if c.failed {
				require.NotNil(t, err)
				assert.Equal(t, se.ErrCodeServiceFailure, err.Code)
				assert.Contains(t, err.Trace(), c.expErrMsg)
			} else {
				assert.Nil(t, err)
			}
		})
	}
}

func TestCouchAuditStore_Find(t *testing.T) {
	expPath := fmt.Sprintf("/%s/_find", fakeAuditDBName)
	docs := `{"docs": [
		{"_id": "r1", "_rev": "1-a", "actorId": "alice", "action": "UPLOAD_FILE", "targetType": "File", "targetId": "f1", "timestamp": "2020-09-13T12:26:40Z"},
		{"_id": "r2", "_rev": "1-b", "actorId": "alice", "action": "SHARE_FILE", "targetType": "File", "targetId": "f1", "timestamp": "2020-09-13T12:30:00Z"}
	]}`
	tcs := []struct {
		name      string
		filter    md.AuditFilter
		expSel    map[string]interface{}
		resp      *http.Response
		failed    bool
		expErrMsg string
		expIDs    []string
	}{
		{
			name:   "ByTarget",
			filter: md.AuditFilter{TargetType: "File", TargetID: "f1"},
			expSel: map[string]interface{}{"targetType": "File", "targetId": "f1"},
			resp:   respWith(http.StatusOK, docs),
			expIDs: []string{"r2", "r1"},
		},
		{
			name:   "ByActor",
			filter: md.AuditFilter{ActorID: "alice"},
			expSel: map[string]interface{}{"actorId": "alice"},
			resp:   respWith(http.StatusOK, `{"docs": []}`),
			expIDs: []string{},
		},
		{
			name:      "MalformedResult",
			filter:    md.AuditFilter{},
			expSel:    map[string]interface{}{},
			resp:      respWith(http.StatusOK, "not json"),
			failed:    true,
			expErrMsg: "error reading audit records",
		},
		{
			name:      "ErrorFromCouchDB",
			filter:    md.AuditFilter{},
			expSel:    map[string]interface{}{},
			resp:      respWith(http.StatusNotFound, `{"error": "not_found", "reason": "Database does not exist."}`),
			failed:    true,
			expErrMsg: "error: not_found reason: Database does not exist.",
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			rt := &mockTransport{}
			rt.On("RoundTrip", mock.Anything).Run(func(args mock.Arguments) {
				req := args.Get(0).(*http.Request)
				assertCouchRequest(t, req, http.MethodPost, expPath)
				q := &couchFindQuery{}
				require.NoError(t, json.NewDecoder(req.Body).Decode(q))
				assert.Equal(t, c.expSel, q.Selector)
				assert.Equal(t, defaultAuditFindLimit, q.Limit)
			}).Return(c.resp, nil)
			// when
			recs, err := newTestCouchAuditStore(rt).Find(c.filter)
			rt.AssertExpectations(t)
			if c.failed {
				require.NotNil(t, err)
				assert.Equal(t, se.ErrCodeServiceFailure, err.Code)
				assert.Contains(t, err.Trace(), c.expErrMsg)
				return
			}
			require.Nil(t, err)
			ids := []string{}
			for _, r := range recs {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, c.expIDs, ids)
		})
	}
}

func TestMemoryAuditStore(t *testing.T) {
	s := NewMemoryAuditStore()
	t0 := time.Unix(1600000000, 0)
	require.Nil(t, s.Record(&md.AuditRecord{ID: "r1", ActorID: "alice", TargetType: "File", TargetID: "f1", Timestamp: t0}))
	require.Nil(t, s.Record(&md.AuditRecord{ID: "r2", ActorID: "bob", TargetType: "File", TargetID: "f1", Timestamp: t0}))
	require.Nil(t, s.Record(&md.AuditRecord{ID: "r3", ActorID: "alice", TargetType: "Group", TargetID: "g1", Timestamp: t0.Add(time.Second)}))

	recs, err := s.Find(md.AuditFilter{})
	require.Nil(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"r3", "r2", "r1"}, []string{recs[0].ID, recs[1].ID, recs[2].ID})

	recs, err = s.Find(md.AuditFilter{TargetType: "File", TargetID: "f1"})
	require.Nil(t, err)
	assert.Len(t, recs, 2)

	recs, err = s.Find(md.AuditFilter{ActorID: "alice"})
	require.Nil(t, err)
	assert.Len(t, recs, 2)
}

type mockTransport struct {
	http.RoundTripper
	mock.Mock
}

func (m *mockTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	args := m.Called(r)
	return args.Get(0).(*http.Response), args.Error(1)
}
