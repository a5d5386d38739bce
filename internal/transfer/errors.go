// Package transfer implements the share-link transfer pipeline: parse a
// pan.baidu.com share URL, probe and (if needed) verify it, list its
// files, copy them into the user's own namespace, and optionally chain
// into the download engine. Grounded on the Rust `transfer/manager.rs` +
// `transfer/task.rs` pre-distillation sources, expressed in the
// teacher's task-state-machine idiom (engine/executor.go's
// executeTask shape, generalized from a download-only state machine to
// this package's own Queued/CheckingShare/Transferring/... states).
package transfer

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"netdisk-core/internal/remoteclient"
)

// FailureKind is the share pipeline's user-visible failure taxonomy.
type FailureKind string

const (
	NeedPassword          FailureKind = "need_password"
	InvalidPassword       FailureKind = "invalid_password"
	ShareExpired          FailureKind = "share_expired"
	ShareNotFound         FailureKind = "share_not_found"
	FileExists            FailureKind = "file_exists"
	TransferLimitExceeded FailureKind = "transfer_limit_exceeded"
	NetworkError          FailureKind = "network_error"
	ParseError            FailureKind = "parse_error"
	Other                 FailureKind = "other"
)

// PipelineError is the structured failure a TransferTask records in
// FailureReason. It carries the detail (Name, Cur, Limit) the
// remoteclient layer's plain ClassifiedError has no fields for, since
// those details are embedded in its Message string instead.
type PipelineError struct {
	Kind    FailureKind
	Message string
	Name    string
	Cur     int64
	Limit   int64
}

func (e *PipelineError) Error() string {
	switch e.Kind {
	case FileExists:
		if e.Name != "" {
			return fmt.Sprintf("file already exists: %s", e.Name)
		}
	case TransferLimitExceeded:
		if e.Limit != 0 {
			return fmt.Sprintf("transfer limit exceeded: %d/%d", e.Cur, e.Limit)
		}
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

var (
	fileExistsRe = regexp.MustCompile(`a file named "([^"]+)" already exists`)
	limitRe      = regexp.MustCompile(`transfer count (\d+) exceeds limit (\d+)`)
)

func classifyParseError(err error) *PipelineError {
	return &PipelineError{Kind: ParseError, Message: err.Error()}
}

// classifyProbeError maps ProbeSharePage's outcomes onto the pipeline
// taxonomy: ErrNeedPassword is returned as the literal sentinel, so a
// plain errors.Is catches it before the ClassifiedError type switch.
func classifyProbeError(err error) *PipelineError {
	if errors.Is(err, remoteclient.ErrNeedPassword) {
		return &PipelineError{Kind: NeedPassword, Message: "share requires a password"}
	}
	cerr, ok := err.(*remoteclient.ClassifiedError)
	if !ok {
		return &PipelineError{Kind: NetworkError, Message: err.Error()}
	}
	switch {
	case cerr.Kind == remoteclient.KindNotFound && strings.Contains(cerr.Message, "expired"):
		return &PipelineError{Kind: ShareExpired, Message: cerr.Message}
	case cerr.Kind == remoteclient.KindNotFound:
		return &PipelineError{Kind: ShareNotFound, Message: cerr.Message}
	case cerr.Kind == remoteclient.KindProtocol:
		return &PipelineError{Kind: ParseError, Message: cerr.Message}
	case cerr.Kind == remoteclient.KindTransport:
		return &PipelineError{Kind: NetworkError, Message: cerr.Message}
	default:
		return &PipelineError{Kind: Other, Message: cerr.Message}
	}
}

func classifyVerifyError(err error) *PipelineError {
	cerr, ok := err.(*remoteclient.ClassifiedError)
	if !ok {
		return &PipelineError{Kind: NetworkError, Message: err.Error()}
	}
	if cerr.Kind == remoteclient.KindAuth {
		return &PipelineError{Kind: InvalidPassword, Message: cerr.Message}
	}
	return &PipelineError{Kind: Other, Message: cerr.Message}
}

func classifyListError(err error) *PipelineError {
	cerr, ok := err.(*remoteclient.ClassifiedError)
	if !ok {
		return &PipelineError{Kind: NetworkError, Message: err.Error()}
	}
	switch cerr.Kind {
	case remoteclient.KindNotFound:
		return &PipelineError{Kind: ShareNotFound, Message: cerr.Message}
	case remoteclient.KindAuth:
		return &PipelineError{Kind: InvalidPassword, Message: cerr.Message}
	case remoteclient.KindTransport:
		return &PipelineError{Kind: NetworkError, Message: cerr.Message}
	default:
		return &PipelineError{Kind: Other, Message: cerr.Message}
	}
}

// classifyTransferError maps TransferShareFiles' errno-12/4 partial-
// failure envelope onto FileExists/TransferLimitExceeded, recovering the
// structured detail by pattern-matching the message text the remoteclient
// layer already built (it classifies by errno but only surfaces a
// string, since a generic ClassifiedError has no typed payload field).
func classifyTransferError(err error) *PipelineError {
	cerr, ok := err.(*remoteclient.ClassifiedError)
	if !ok {
		return &PipelineError{Kind: NetworkError, Message: err.Error()}
	}
	switch cerr.Kind {
	case remoteclient.KindConflict:
		if m := fileExistsRe.FindStringSubmatch(cerr.Message); m != nil {
			return &PipelineError{Kind: FileExists, Message: cerr.Message, Name: m[1]}
		}
		return &PipelineError{Kind: FileExists, Message: cerr.Message}
	case remoteclient.KindQuotaOrLimit:
		if m := limitRe.FindStringSubmatch(cerr.Message); m != nil {
			cur, _ := strconv.ParseInt(m[1], 10, 64)
			limit, _ := strconv.ParseInt(m[2], 10, 64)
			return &PipelineError{Kind: TransferLimitExceeded, Message: cerr.Message, Cur: cur, Limit: limit}
		}
		return &PipelineError{Kind: TransferLimitExceeded, Message: cerr.Message}
	case remoteclient.KindTransport:
		return &PipelineError{Kind: NetworkError, Message: cerr.Message}
	default:
		return &PipelineError{Kind: Other, Message: cerr.Message}
	}
}
