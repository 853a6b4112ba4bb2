package store

import (
	"context"
	"math"
	"testing"

	"github.com/marianmeres/steve/internal/domain"
	"github.com/marianmeres/steve/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializableResult_PassThrough(t *testing.T) {
	in := map[string]any{"hey": "ho"}
	assert.Equal(t, in, serializableResult(in))
	assert.Equal(t, map[string]any{}, serializableResult(nil))
}

func TestSerializableResult_StubOnFailure(t *testing.T) {
	out := serializableResult(map[string]any{"bad": math.NaN()})

	assert.Equal(t, serializationStub, out["message"])
	assert.NotEmpty(t, out["details"])
}

func TestInsert_ValidatesParams(t *testing.T) {
	s := New(nil, schema.New(nil, "", nil), nil, nil)

	_, err := s.Insert(context.Background(), domain.CreateParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBadInput)
}

func TestFindByUID_RejectsInvalidUID(t *testing.T) {
	s := New(nil, schema.New(nil, "", nil), nil, nil)

	_, err := s.FindByUID(context.Background(), "not-a-uuid")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidUID)
	assert.ErrorIs(t, err, domain.ErrBadInput)
}

func TestList_RejectsUnknownStatus(t *testing.T) {
	s := New(nil, schema.New(nil, "", nil), nil, nil)

	_, err := s.List(context.Background(), ListParams{Statuses: []domain.Status{"nope"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownStatus)
}

func TestJoinAnd(t *testing.T) {
	assert.Equal(t, "a", joinAnd([]string{"a"}))
	assert.Equal(t, "a AND b AND c", joinAnd([]string{"a", "b", "c"}))
}
