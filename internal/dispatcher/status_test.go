package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyNilIsSuccess(t *testing.T) {
	assert.Equal(t, Success, Classify(nil))
}

func TestClassifyJobLocalErrorsDeadLetter(t *testing.T) {
	assert.Equal(t, DeadLetter, Classify(ErrInvalidData))
	assert.Equal(t, DeadLetter, Classify(ErrNotFound))
	assert.Equal(t, DeadLetter, Classify(ErrConflict))
	assert.Equal(t, DeadLetter, Classify(context.Canceled))
}

func TestClassifyFilesystemErrorDeadLetters(t *testing.T) {
	assert.Equal(t, DeadLetter, Classify(&FilesystemError{Err: errors.New("permission denied")}))
}

func TestClassifyTransportErrorRetries(t *testing.T) {
	assert.Equal(t, Retry, Classify(&TransportError{Err: errors.New("connection refused")}))
}

func TestClassifyRemoteStatusFollowsHTTPSemantics(t *testing.T) {
	assert.Equal(t, DeadLetter, Classify(&RemoteStatusError{StatusCode: http.StatusNotFound}))
	assert.Equal(t, Retry, Classify(&RemoteStatusError{StatusCode: http.StatusTooManyRequests}))
	assert.Equal(t, Retry, Classify(&RemoteStatusError{StatusCode: http.StatusInternalServerError}))
	assert.Equal(t, DeadLetter, Classify(&RemoteStatusError{StatusCode: http.StatusBadRequest}))
}

func TestClassifyDatabaseErrorRetries(t *testing.T) {
	assert.Equal(t, Retry, Classify(&DatabaseError{Err: errors.New("locked")}))
}

func TestClassifyOpaqueErrorUsesTransientVocabulary(t *testing.T) {
	assert.Equal(t, Retry, Classify(errors.New("dial tcp: i/o timeout")))
	assert.Equal(t, Retry, Classify(errors.New("service unavailable")))
	assert.Equal(t, DeadLetter, Classify(errors.New("malformed header")))
}

func TestStatusForBuildsMatchingStatus(t *testing.T) {
	s := StatusFor(&TransportError{Err: errors.New("reset")})
	assert.Equal(t, Retry, s.Outcome)
	assert.Error(t, s.Err)

	s = StatusFor(nil)
	assert.Equal(t, Success, s.Outcome)
	assert.NoError(t, s.Err)
}
