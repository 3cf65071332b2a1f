package main

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	hr "github.com/julienschmidt/httprouter"
	"wuyrush.io/pinvault/common/logging"
	mw "wuyrush.io/pinvault/common/middleware"
	cst "wuyrush.io/pinvault/constants"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
	"wuyrush.io/pinvault/sharing"
)

const jsonBodyMaxByte = 1 << 16

type (
	uploadMeta struct {
		Filename     string     `json:"filename"`
		ContentType  string     `json:"type"`
		Size         int64      `json:"size"`
		Expiry       *time.Time `json:"expiry,omitempty"`
		MaxDownloads *uint64    `json:"maxDownloads,omitempty"`
	}
	recipientsReq struct {
		Users  []string `json:"users"`
		Groups []string `json:"groups"`
		All    bool     `json:"all"`
	}
	shareResp struct {
		Artifact *md.Artifact  `json:"artifact"`
		Delta    md.ShareDelta `json:"delta"`
	}
	revokeResp struct {
		Artifact *md.Artifact   `json:"artifact"`
		Delta    md.RevokeDelta `json:"delta"`
	}
	groupReq struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}
	membersReq struct {
		Users []string `json:"users"`
	}
	adminNotificationReq struct {
		RecipientID string `json:"recipientId"`
		Content     string `json:"content"`
	}
	markAllReq struct {
		Read bool `json:"read"`
	}
	markAllResp struct {
		Updated int `json:"updated"`
	}
)

// requester returns the identity the authenticator put into the request
func requester(r *http.Request) md.RequestContext {
	rc, _ := mw.RequestContextFrom(r.Context())
	return rc
}

func decodeJSON(r *http.Request, v interface{}) *se.Err {
	if r.Body == nil {
		return se.NewBadInput("request body is required")
	}
	if err := json.NewDecoder(NewLimitReader(r.Body, jsonBodyMaxByte)).Decode(v); err != nil {
		if e, ok := err.(*se.Err); ok && e.Code == se.ErrCodeOversized {
			return e.WithMsg(cst.ErrMsgRequestBodyTooLarge)
		}
		return se.NewBadInput("error parsing request body").WithCause(err)
	}
	return nil
}

/*
	Uploads are multipart requests with exactly two parts, in order:
	  1. "metadata": JSON uploadMeta describing the plaintext
	  2. "ciphertext": the encrypted payload, streamed straight into blob storage
	The body is never buffered as a whole.
*/
func (wrt *writer) HandleTaskUploadArtifact() hr.Handle {
	clog := logging.WithFuncName().WithField("httpMethod", http.MethodPost)
	return func(w http.ResponseWriter, r *http.Request, _ hr.Params) {
		rc := requester(r)
		r.Body = http.MaxBytesReader(w, r.Body, wrt.MaxReqBodySize)
		reader, err := r.MultipartReader()
		if err != nil {
			clog.WithError(err).Info("error getting multipart reader")
			mw.WriteErr(w, se.NewBadInput("multipart form data expected").WithCause(err))
			return
		}
		var (
			meta uploadMeta
			a    *md.Artifact
		)
		perr := processParts(reader,
			parseUploadMeta(&meta),
			streamCiphertext(func(ct io.Reader) *se.Err {
				created, err := wrt.Svc.UploadArtifact(rc, sharing.UploadRequest{
					Filename:     meta.Filename,
					ContentType:  meta.ContentType,
					Size:         meta.Size,
					Expiry:       meta.Expiry,
					MaxDownloads: meta.MaxDownloads,
					Ciphertext:   ct,
				})
				a = created
				return err
			}),
		)
		if perr != nil {
			clog.WithError(perr).WithField(cst.LogFieldRequester, rc.UserID).Info("error uploading artifact")
			mw.WriteErr(w, perr)
			return
		}
		mw.WriteJSON(w, http.StatusCreated, a)
	}
}

func (wrt *writer) HandleTaskUpdatePolicy() hr.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps hr.Params) {
		var patch md.PolicyPatch
		if err := decodeJSON(r, &patch); err != nil {
			mw.WriteErr(w, err)
			return
		}
		a, err := wrt.Svc.UpdatePolicy(requester(r), ps.ByName("id"), patch)
		if err != nil {
			mw.WriteErr(w, err)
			return
		}
		mw.WriteJSON(w, http.StatusOK, a)
	}
}

func (wrt *writer) HandleTaskReopen() hr.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps hr.Params) {
		var opts md.ReopenOptions
		// an empty body reopens with defaults
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &opts); err != nil {
				mw.WriteErr(w, err)
				return
			}
		}
		a, err := wrt.Svc.Reopen(requester(r), ps.ByName("id"), opts)
		if err != nil {
			mw.WriteErr(w, err)
			return
		}
		mw.WriteJSON(w, http.StatusOK, a)
	}
}

func (wrt *writer) HandleTaskShare() hr.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps hr.Params) {
		var req recipientsReq
		if err := decodeJSON(r, &req); err != nil {
			mw.WriteErr(w, err)
			return
		}
		if req.All {
			mw.WriteErr(w, se.NewBadInput("sharing with everyone is not supported"))
			return
		}
		a, delta, err := wrt.Svc.Share(requester(r), ps.ByName("id"), req.Users, req.Groups)
		if err != nil {
			mw.WriteErr(w, err)
			return
		}
		mw.WriteJSON(w, http.StatusOK, shareResp{Artifact: a, Delta: delta})
	}
}

func (wrt *writer) HandleTaskRevoke() hr.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps hr.Params) {
		var req recipientsReq
		if err := decodeJSON(r, &req); err != nil {
			mw.WriteErr(w, err)
			return
		}
		a, delta, err := wrt.Svc.Revoke(requester(r), ps.ByName("id"), req.Users, req.Groups, req.All)
		if err != nil {
			mw.WriteErr(w, err)
			return
		}
		mw.WriteJSON(w, http.StatusOK, revokeResp{Artifact: a, Delta: delta})
	}
}

func (wrt *writer) HandleTaskDeleteArtifact() hr.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps hr.Params) {
		if err := wrt.Svc.DeleteArtifact(requester(r), ps.ByName("id")); err != nil {
			mw.WriteErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (wrt *writer) HandleTaskCreateGroup() hr.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ hr.Params) {
		var req groupReq
		if err := decodeJSON(r, &req); err != nil {
			mw.WriteErr(w, err)
			return
		}
		g, err := wrt.Svc.CreateGroup(requester(r), req.Name, req.Members)
		if err != nil {
			mw.WriteErr(w, err)
			return
		}
		mw.WriteJSON(w, http.StatusCreated, g)
	}
}

func (wrt *writer) HandleTaskRenameGroup() hr.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps hr.Params) {
		var req groupReq
		if err := decodeJSON(r, &req); err != nil {
			mw.WriteErr(w, err)
			return
		}
		g, err := wrt.Svc.RenameGroup(requester(r), ps.ByName("id"), req.Name)
		if err != nil {
			mw.WriteErr(w, err)
			return
		}
		mw.WriteJSON(w, http.StatusOK, g)
	}
}

func (wrt *writer) HandleTaskDeleteGroup() hr.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps hr.Params) {
		if err := wrt.Svc.DeleteGroup(requester(r), ps.ByName("id")); err != nil {
			mw.WriteErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleMembers serves both membership routes, which only differ in the service call
func (wrt *writer) handleMembers(apply func(rc md.RequestContext, groupID string, userIDs []string) (*md.Group, *se.Err)) hr.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps hr.Params) {
		var req membersReq
		if err := decodeJSON(r, &req); err != nil {
			mw.WriteErr(w, err)
			return
		}
		g, err := apply(requester(r), ps.ByName("id"), req.Users)
		if err != nil {
			mw.WriteErr(w, err)
			return
		}
		mw.WriteJSON(w, http.StatusOK, g)
	}
}

func (wrt *writer) HandleTaskAddMembers() hr.Handle {
	return wrt.handleMembers(func(rc md.RequestContext, groupID string, userIDs []string) (*md.Group, *se.Err) {
		return wrt.Svc.AddMembers(rc, groupID, userIDs)
	})
}

func (wrt *writer) HandleTaskRemoveMembers() hr.Handle {
	return wrt.handleMembers(func(rc md.RequestContext, groupID string, userIDs []string) (*md.Group, *se.Err) {
		return wrt.Svc.RemoveMembers(rc, groupID, userIDs)
	})
}

func (wrt *writer) HandleTaskMarkNotificationRead() hr.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps hr.Params) {
		n, err := wrt.Svc.MarkNotificationRead(requester(r), ps.ByName("id"))
		if err != nil {
			mw.WriteErr(w, err)
			return
		}
		mw.WriteJSON(w, http.StatusOK, n)
	}
}

func (wrt *writer) HandleTaskMarkAllNotificationsRead() hr.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ hr.Params) {
		var req markAllReq
		if err := decodeJSON(r, &req); err != nil {
			mw.WriteErr(w, err)
			return
		}
		if !req.Read {
			mw.WriteErr(w, se.NewBadInput("notifications can only be marked read"))
			return
		}
		n, err := wrt.Svc.MarkAllNotificationsRead(requester(r))
		if err != nil {
			mw.WriteErr(w, err)
			return
		}
		mw.WriteJSON(w, http.StatusOK, markAllResp{Updated: n})
	}
}

func (wrt *writer) HandleTaskSendAdminNotification() hr.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ hr.Params) {
		var req adminNotificationReq
		if err := decodeJSON(r, &req); err != nil {
			mw.WriteErr(w, err)
			return
		}
		n, err := wrt.Svc.SendAdminNotification(requester(r), req.RecipientID, req.Content)
		if err != nil {
			mw.WriteErr(w, err)
			return
		}
		mw.WriteJSON(w, http.StatusCreated, n)
	}
}

/*
	Utilities to stream-process http multipart form data.

	NOTE the order in which parts get processed is the same as the order in which the client writes them.
	It is the service that dictates the form processing logic instead of client: it only reads the parts it
	cares about, in the order it expects them, so that a client cannot make it buffer arbitrary data the
	way http.ParseMultipartForm would.
*/
func processParts(r *multipart.Reader, ps ...partProcessor) *se.Err {
	for _, p := range ps {
		if err := p(r); err != nil {
			return err
		}
	}
	return nil
}

type partProcessor func(*multipart.Reader) *se.Err

const (
	partMetadata   = "metadata"
	partCiphertext = "ciphertext"
	metaMaxByte    = 1 << 12
)

func nextPart(r *multipart.Reader, formName string) (*multipart.Part, *se.Err) {
	part, err := r.NextPart()
	if err != nil {
		return nil, se.NewBadInput("error reading form part " + formName).WithCause(err)
	}
	if name := part.FormName(); name != formName {
		part.Close()
		return nil, se.NewBadInput("expected form part " + formName + ", got " + name)
	}
	return part, nil
}

func parseUploadMeta(meta *uploadMeta) partProcessor {
	return func(r *multipart.Reader) *se.Err {
		part, perr := nextPart(r, partMetadata)
		if perr != nil {
			return perr
		}
		defer part.Close()
		if err := json.NewDecoder(NewLimitReader(part, metaMaxByte)).Decode(meta); err != nil {
			if v, ok := err.(*se.Err); ok && v.Code == se.ErrCodeOversized {
				return v.WithMsg("got oversized upload metadata")
			}
			return se.NewBadInput("invalid upload metadata").WithCause(err)
		}
		meta.Filename = strings.TrimSpace(meta.Filename)
		return nil
	}
}

func streamCiphertext(consume func(io.Reader) *se.Err) partProcessor {
	return func(r *multipart.Reader) *se.Err {
		part, perr := nextPart(r, partCiphertext)
		if perr != nil {
			return perr
		}
		defer part.Close()
		return consume(part)
	}
}

// LimitReader dedicates to detecting oversized data
type LimitReader struct {
	R io.Reader // underlying reader
	n int64     // max bytes remaining
}

func NewLimitReader(r io.Reader, max int64) *LimitReader {
	// idea: try reading one more byte above given limit from given reader. If there is no more data left from r
	// then r shall return (0, io.EOF), otherwise it can return more bytes and potentially a non-nil error. We
	// take the risk of rejecting a legit request when the last read attempt returns non-io.EOF error.
	return &LimitReader{R: r, n: max + 1}
}

func (r *LimitReader) Read(p []byte) (n int, err error) {
	if int64(len(p)) > r.n {
		p = p[0:r.n]
	}
	n, err = r.R.Read(p)
	r.n -= int64(n)
	if r.n <= 0 {
		return 0, se.NewOversized()
	}
	return
}
