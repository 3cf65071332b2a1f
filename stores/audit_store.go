package stores

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"wuyrush.io/pinvault/common/logging"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

// AuditStore persists the append-only audit log
type AuditStore interface {
	Record(r *md.AuditRecord) *se.Err
	// Find returns records matching f, newest first
	Find(f md.AuditFilter) ([]*md.AuditRecord, *se.Err)
	Close() *se.Err
}

// CouchAuditStore implements AuditStore with CouchDB
type CouchAuditStore struct {
	C                    *http.Client
	dbAddr               string
	auditDBName          string
	dbUsername, dbPasswd string
	findLimit            int
}

type CouchConfig struct {
	DBAddr               string
	AuditDBName          string
	DBUsername, DBPasswd string
	RT                   http.RoundTripper
	// fields below are optional
	RequestTimeout time.Duration
	FindLimit      int
}

const defaultAuditFindLimit = 1000

func NewCouchAuditStore(cfg *CouchConfig) *CouchAuditStore {
	c := &http.Client{
		Transport: cfg.RT,
		Timeout:   cfg.RequestTimeout,
	}
	limit := cfg.FindLimit
	if limit <= 0 {
		limit = defaultAuditFindLimit
	}
	return &CouchAuditStore{
		C:           c,
		auditDBName: cfg.AuditDBName,
		dbAddr:      cfg.DBAddr,
		dbUsername:  cfg.DBUsername,
		dbPasswd:    cfg.DBPasswd,
		findLimit:   limit,
	}
}

func (s *CouchAuditStore) do(method, path string, body interface{}) (*http.Response, *se.Err) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, se.NewServiceFailure("error marshalling audit data").WithCause(err)
	}
	// TODO: switch to TLS once CouchDB is reachable outside the private network
	url := fmt.Sprintf("%s/%s/%s", s.dbAddr, s.auditDBName, path)
	req, err := http.NewRequest(method, url, bytes.NewReader(b))
	if err != nil {
		return nil, se.NewServiceFailure("error creating request to DB").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(s.dbUsername, s.dbPasswd)
	resp, err := s.C.Do(req)
	if err != nil {
		return nil, se.NewServiceFailure("error getting response from DB").WithCause(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, se.NewServiceFailure("audit DB rejected the request").WithCause(toCouchDBErr(resp.Body))
	}
	return resp, nil
}

func (s *CouchAuditStore) Record(r *md.AuditRecord) *se.Err {
	clog := logging.WithFuncName().WithFields(map[string]interface{}{"auditID": r.ID, "action": r.Action})
	resp, err := s.do(http.MethodPut, r.ID, r)
	if err != nil {
		clog.WithError(err).Error("failed saving audit record to CouchDB")
		return err
	}
	resp.Body.Close()
	return nil
}

// couchFindQuery is the body of a Mango query, see https://docs.couchdb.org/en/stable/api/database/find.html
type couchFindQuery struct {
	Selector map[string]interface{} `json:"selector"`
	Limit    int                    `json:"limit"`
}

type couchFindResult struct {
	Docs []*md.AuditRecord `json:"docs"`
}

func (s *CouchAuditStore) Find(f md.AuditFilter) ([]*md.AuditRecord, *se.Err) {
	clog := logging.WithFuncName().WithField("filter", f)
	sel := map[string]interface{}{}
	if f.ActorID != "" {
		sel["actorId"] = f.ActorID
	}
	if f.TargetType != "" {
		sel["targetType"] = f.TargetType
	}
	if f.TargetID != "" {
		sel["targetId"] = f.TargetID
	}
	resp, err := s.do(http.MethodPost, "_find", couchFindQuery{Selector: sel, Limit: s.findLimit})
	if err != nil {
		clog.WithError(err).Error("failed querying audit records from CouchDB")
		return nil, err
	}
	defer resp.Body.Close()
	res := &couchFindResult{}
	if derr := unmarshalJSON(resp.Body, res); derr != nil {
		clog.WithError(derr).Error("error unmarshalling CouchDB query result")
		return nil, se.NewServiceFailure("error reading audit records").WithCause(derr)
	}
	sortNewestFirst(res.Docs)
	return res.Docs, nil
}

func (s *CouchAuditStore) Close() *se.Err {
	// release the connections held by C
	s.C.CloseIdleConnections()
	return nil
}

func sortNewestFirst(rs []*md.AuditRecord) {
	sort.SliceStable(rs, func(i, j int) bool {
		return rs[i].Timestamp.After(rs[j].Timestamp)
	})
}

// https://docs.couchdb.org/en/stable/json-structure.html#couchdb-error-status
type CouchDBErr struct {
	DocID  string `json:"id,omitempty"`
	Msg    string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (e *CouchDBErr) Error() string {
	var b strings.Builder
	if e.Msg != "" {
		b.WriteString("error: ")
		b.WriteString(e.Msg)
	}
	if e.Reason != "" {
		b.WriteString(" reason: ")
		b.WriteString(e.Reason)
	}
	if e.DocID != "" {
		b.WriteString(" docID: ")
		b.WriteString(e.DocID)
	}
	return b.String()
}

func toCouchDBErr(r io.Reader) *CouchDBErr {
	e := &CouchDBErr{}
	err := unmarshalJSON(r, e)
	if err != nil {
		e.Msg = "failed to unmarshal CouchDB response body"
		e.Reason = err.Error()
	}
	return e
}

// helper to unmarshal stream data from r into value pointed by ptr
func unmarshalJSON(r io.Reader, ptr interface{}) error {
	d := json.NewDecoder(r)
	return d.Decode(ptr)
}

// MemoryAuditStore keeps audit records in memory
type MemoryAuditStore struct {
	mu      sync.RWMutex
	records []*md.AuditRecord
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Record(r *md.AuditRecord) *se.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	s.records = append(s.records, &c)
	return nil
}

func (s *MemoryAuditStore) Find(f md.AuditFilter) ([]*md.AuditRecord, *se.Err) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*md.AuditRecord{}
	for i := len(s.records) - 1; i >= 0; i-- {
		if r := s.records[i]; f.Match(r) {
			c := *r
			out = append(out, &c)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryAuditStore) Close() *se.Err {
	return nil
}
