package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netdisk-core/internal/remoteclient"
)

func TestClassifyProbeErrorNeedsPassword(t *testing.T) {
	perr := classifyProbeError(remoteclient.ErrNeedPassword)
	assert.Equal(t, NeedPassword, perr.Kind)
}

func TestClassifyProbeErrorShareExpired(t *testing.T) {
	err := &remoteclient.ClassifiedError{Kind: remoteclient.KindNotFound, Message: "share has expired"}
	perr := classifyProbeError(err)
	assert.Equal(t, ShareExpired, perr.Kind)
}

func TestClassifyProbeErrorShareNotFound(t *testing.T) {
	err := &remoteclient.ClassifiedError{Kind: remoteclient.KindNotFound, Message: "share does not exist"}
	perr := classifyProbeError(err)
	assert.Equal(t, ShareNotFound, perr.Kind)
}

func TestClassifyVerifyErrorInvalidPassword(t *testing.T) {
	err := &remoteclient.ClassifiedError{Kind: remoteclient.KindAuth, Message: "incorrect extraction code"}
	perr := classifyVerifyError(err)
	assert.Equal(t, InvalidPassword, perr.Kind)
}

func TestClassifyTransferErrorFileExists(t *testing.T) {
	err := &remoteclient.ClassifiedError{Kind: remoteclient.KindConflict, Message: `a file named "dup.txt" already exists`}
	perr := classifyTransferError(err)
	require.Equal(t, FileExists, perr.Kind)
	assert.Equal(t, "dup.txt", perr.Name)
	assert.Contains(t, perr.Error(), "dup.txt")
}

func TestClassifyTransferErrorLimitExceeded(t *testing.T) {
	err := &remoteclient.ClassifiedError{Kind: remoteclient.KindQuotaOrLimit, Message: "transfer count 500 exceeds limit 200"}
	perr := classifyTransferError(err)
	require.Equal(t, TransferLimitExceeded, perr.Kind)
	assert.Equal(t, int64(500), perr.Cur)
	assert.Equal(t, int64(200), perr.Limit)
	assert.Contains(t, perr.Error(), "500/200")
}

func TestClassifyTransferErrorNetworkFallback(t *testing.T) {
	err := &remoteclient.ClassifiedError{Kind: remoteclient.KindTransport, Message: "boom"}
	perr := classifyTransferError(err)
	assert.Equal(t, NetworkError, perr.Kind)
}

func TestClassifyParseErrorWrapsMessage(t *testing.T) {
	_, err := remoteclient.ParseShareLink("https://example.com/not-a-share")
	require.Error(t, err)
	perr := classifyParseError(err)
	assert.Equal(t, ParseError, perr.Kind)
	assert.NotEmpty(t, perr.Error())
}
