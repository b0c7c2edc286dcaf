package mysql

import (
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowpipe/internal/storage"
)

func state(s string) [5]byte {
	var b [5]byte
	copy(b[:], s)
	return b
}

func TestTranslateCarriesSQLState(t *testing.T) {
	t.Parallel()

	dup := &mysql.MySQLError{Number: 1062, SQLState: state("23000"), Message: "Duplicate entry '1' for key 'PRIMARY'"}
	err := translate(dup)
	var se *storage.SQLError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "23000", se.State)
	assert.Equal(t, storage.ClassConstraint, storage.Classify(err))

	missing := &mysql.MySQLError{Number: 1146, SQLState: state("42S02"), Message: "Table 'x.y' doesn't exist"}
	assert.Equal(t, storage.ClassMissingObject, storage.Classify(translate(missing)))

	trunc := &mysql.MySQLError{Number: 1406, SQLState: state("22001"), Message: "Data too long"}
	assert.Equal(t, storage.ClassData, storage.Classify(translate(trunc)))
}

func TestTranslateWithoutStateIsUnchanged(t *testing.T) {
	t.Parallel()

	noState := &mysql.MySQLError{Number: 2006, Message: "server has gone away"}
	assert.Same(t, error(noState), translate(noState))

	plain := errors.New("dial tcp: refused")
	assert.Same(t, plain, translate(plain))
}

func TestNewRepositoryRejectsBadDSN(t *testing.T) {
	t.Parallel()

	_, _, err := NewRepository(t.Context(), Config{DSN: "not a dsn"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql dsn")
}
