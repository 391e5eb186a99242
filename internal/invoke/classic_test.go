package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/pscheid92/opwire/internal/domain"
	apperrors "github.com/pscheid92/opwire/internal/platform/errors"
	"github.com/pscheid92/opwire/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var anonymous = domain.Caller{Transport: domain.TransportClassic}

func requireCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, apperrors.CodeOf(err))
}

func TestClassic_RunsStepsInOrder(t *testing.T) {
	f := &fake{}
	d := classicDescriptor(f, registry.Policy{})

	resp, err := NewClassic(nil).Invoke(context.Background(), d, anonymous, json.RawMessage(`{"n":7}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"n": 7}, resp)
	assert.Equal(t, []string{"bind", "decode", "authorize", "validate", "before", "execute", "after"}, f.rec.list())
}

func TestClassic_BindsCaller(t *testing.T) {
	f := &fake{}
	d := classicDescriptor(f, registry.Policy{})
	caller := domain.Caller{PrincipalID: "alice", Authenticated: true, Transport: domain.TransportClassic}

	_, err := NewClassic(nil).Invoke(context.Background(), d, caller, nil)
	require.NoError(t, err)
	assert.Equal(t, caller, f.caller)
}

func TestClassic_RequiresAuthentication(t *testing.T) {
	f := &fake{}
	d := classicDescriptor(f, registry.Policy{RequiresAuthorization: true})

	_, err := NewClassic(nil).Invoke(context.Background(), d, anonymous, nil)
	requireCode(t, err, apperrors.CodeUnauthorized)
	assert.Empty(t, f.rec.list(), "nothing runs before authentication")

	_, err = NewClassic(nil).Invoke(context.Background(), d, domain.Caller{PrincipalID: "bob", Authenticated: true}, nil)
	require.NoError(t, err)
}

func TestClassic_AuthorizeRefusal(t *testing.T) {
	f := &fake{deny: true}
	d := classicDescriptor(f, registry.Policy{})

	_, err := NewClassic(nil).Invoke(context.Background(), d, anonymous, nil)
	requireCode(t, err, apperrors.CodeForbidden)
	assert.NotContains(t, f.rec.list(), "execute")
}

func TestClassic_AuthorizeFailureIsInternal(t *testing.T) {
	f := &fake{authErr: errors.New("db down")}
	d := classicDescriptor(f, registry.Policy{})

	_, err := NewClassic(nil).Invoke(context.Background(), d, anonymous, nil)
	requireCode(t, err, apperrors.CodeServerException)
}

func TestClassic_ValidationProblemsAreDetailed(t *testing.T) {
	f := &fake{problems: []string{"n must be positive", "n must be even"}}
	d := classicDescriptor(f, registry.Policy{})

	_, err := NewClassic(nil).Invoke(context.Background(), d, anonymous, json.RawMessage(`{"n":-1}`))
	requireCode(t, err, apperrors.CodeInvalidRequest)
	assert.Equal(t, []string{"n must be positive", "n must be even"}, apperrors.AsStructuredError(err).Details)
	assert.NotContains(t, f.rec.list(), "before")
}

func TestClassic_SchemaRunsBeforeOperationValidation(t *testing.T) {
	f := &fake{rec: &calls{}}
	r := registry.New()
	require.NoError(t, r.Register("fake", registry.Descriptor{
		Capabilities: registry.Classic,
		StartSchema:  json.RawMessage(`{"type":"object","required":["n"]}`),
		New:          func() domain.Operation { return fakeClassic{f} },
	}))
	d, _ := r.Resolve("fake")

	_, err := NewClassic(nil).Invoke(context.Background(), d, anonymous, json.RawMessage(`{}`))
	requireCode(t, err, apperrors.CodeInvalidRequest)
	assert.NotEmpty(t, apperrors.AsStructuredError(err).Details)
	assert.NotContains(t, f.rec.list(), "validate")
}

func TestClassic_UndecodableRequest(t *testing.T) {
	f := &fake{}
	d := classicDescriptor(f, registry.Policy{})

	_, err := NewClassic(nil).Invoke(context.Background(), d, anonymous, json.RawMessage(`{"n":"seven"}`))
	requireCode(t, err, apperrors.CodeInvalidRequest)
}

func TestClassic_BeforeHookStopsExecution(t *testing.T) {
	f := &fake{beforeErr: apperrors.Throttled("slow down")}
	d := classicDescriptor(f, registry.Policy{})

	_, err := NewClassic(nil).Invoke(context.Background(), d, anonymous, nil)
	requireCode(t, err, apperrors.CodeThrottled)
	assert.NotContains(t, f.rec.list(), "execute")
}

func TestClassic_StructuredExecuteErrorPassesThrough(t *testing.T) {
	f := &fake{execute: func(context.Context, any) (any, error) {
		return nil, apperrors.NotFound("no such widget")
	}}
	d := classicDescriptor(f, registry.Policy{})

	_, err := NewClassic(nil).Invoke(context.Background(), d, anonymous, nil)
	requireCode(t, err, apperrors.CodeNotFound)
	assert.NotContains(t, f.rec.list(), "after")
}

func TestClassic_PlainExecuteErrorIsInternal(t *testing.T) {
	cause := errors.New("disk full")
	f := &fake{execute: func(context.Context, any) (any, error) { return nil, cause }}
	d := classicDescriptor(f, registry.Policy{})

	_, err := NewClassic(nil).Invoke(context.Background(), d, anonymous, nil)
	requireCode(t, err, apperrors.CodeServerException)
	assert.ErrorIs(t, err, cause)
	assert.NotContains(t, apperrors.AsStructuredError(err).ToResponse().Error, "disk full")
}

func TestClassic_PanicIsRecovered(t *testing.T) {
	f := &fake{execute: func(context.Context, any) (any, error) { panic("boom") }}
	d := classicDescriptor(f, registry.Policy{})

	_, err := NewClassic(nil).Invoke(context.Background(), d, anonymous, nil)
	requireCode(t, err, apperrors.CodeServerException)
	assert.ErrorIs(t, err, ErrPanic)
}

func TestClassic_RejectsStreamDescriptor(t *testing.T) {
	f := &fake{}
	d := streamDescriptor(f, registry.Policy{})

	_, err := NewClassic(nil).Invoke(context.Background(), d, anonymous, nil)
	requireCode(t, err, apperrors.CodeNotFound)
}
