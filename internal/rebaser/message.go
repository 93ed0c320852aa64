package rebaser

import (
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/OFFIS-RIT/strata/pkg/ident"
	"github.com/OFFIS-RIT/strata/pkg/rebase"
	"github.com/go-playground/validator"
)

// DefaultWorkspaceID is assumed for version 1 requests, which predate
// multiple workspaces.
var DefaultWorkspaceID = ident.MustParse("00000000000000000000000001")

var validate = validator.New()

// Request asks for ToRebaseChangeSetID to absorb the changes of OntoChangeSetID.
type Request struct {
	ToRebaseChangeSetID ident.ID `json:"to_rebase_change_set_id" validate:"required"`
	OntoChangeSetID     ident.ID `json:"onto_change_set_id" validate:"required"`
	WorkspaceID         ident.ID `json:"workspace_id" validate:"required"`
}

type requestV1 struct {
	ToRebaseChangeSetID ident.ID `json:"to_rebase_change_set_id"`
	OntoChangeSetID     ident.ID `json:"onto_change_set_id"`
}

func (r Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if r.ToRebaseChangeSetID == r.OntoChangeSetID {
		return errors.New("cannot rebase a change set onto itself")
	}
	return nil
}

// Response reports the outcome of a rebase. Conflicts are a successful
// outcome; Error is only set when the rebase itself failed.
type Response struct {
	Conflicts          []rebase.ConflictRecord `json:"conflicts"`
	UpdatesApplied     bool                    `json:"updates_applied"`
	NewSnapshotAddress *hash.ContentHash       `json:"new_snapshot_address,omitempty"`
	Error              string                  `json:"error,omitempty"`
}

func (r Response) Failed() bool { return r.Error != "" }

// DecodeRequest checks env before touching body.
func DecodeRequest(env Envelope, body []byte) (Request, error) {
	if err := env.Check(); err != nil {
		return Request{}, err
	}
	if env.MessageType != MessageTypeRequest {
		return Request{}, fmt.Errorf("%w: expected %s", ErrUnsupportedEnvelope, MessageTypeRequest)
	}

	var req Request
	switch env.Version {
	case 1:
		var v1 requestV1
		if err := unmarshal(env.ContentType, body, &v1); err != nil {
			return Request{}, fmt.Errorf("decode request: %w", err)
		}
		req = Request{
			ToRebaseChangeSetID: v1.ToRebaseChangeSetID,
			OntoChangeSetID:     v1.OntoChangeSetID,
			WorkspaceID:         DefaultWorkspaceID,
		}
	default:
		if err := unmarshal(env.ContentType, body, &req); err != nil {
			return Request{}, fmt.Errorf("decode request: %w", err)
		}
	}
	if err := req.Validate(); err != nil {
		return Request{}, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

// EncodeRequest writes req with the current request envelope.
func EncodeRequest(req Request) (Envelope, []byte, error) {
	body, err := marshal(CurrentRequest.ContentType, req)
	return CurrentRequest, body, err
}

// DecodeResponse checks env before touching body.
func DecodeResponse(env Envelope, body []byte) (Response, error) {
	if err := env.Check(); err != nil {
		return Response{}, err
	}
	if env.MessageType != MessageTypeResponse {
		return Response{}, fmt.Errorf("%w: expected %s", ErrUnsupportedEnvelope, MessageTypeResponse)
	}
	var resp Response
	if err := unmarshal(env.ContentType, body, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// EncodeResponse answers in the content type the request arrived with.
func EncodeResponse(contentType string, resp Response) (Envelope, []byte, error) {
	env := responseEnvelope(contentType)
	if err := env.Check(); err != nil {
		env = responseEnvelope(ContentTypeJSON)
	}
	body, err := marshal(env.ContentType, resp)
	return env, body, err
}
