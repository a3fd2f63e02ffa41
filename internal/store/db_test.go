package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

func TestWrapNotFound(t *testing.T) {
	assert.NoError(t, WrapNotFound(nil))
	assert.ErrorIs(t, WrapNotFound(pgx.ErrNoRows), ErrNotFound)

	other := errors.New("connection refused")
	wrapped := WrapNotFound(other)
	assert.ErrorIs(t, wrapped, other)
	assert.NotErrorIs(t, wrapped, ErrNotFound)
}
