package querier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"dpgate/internal/domain"
	pkgerrors "dpgate/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestCSVAccessor(t *testing.T) {
	path := writeCSV(t, "age,income\n34,52000\n29,48000\n51,91000\n")
	accessor, err := Open(domain.AccessInfo{Type: "csv", Path: path}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	count, err := accessor.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	values, err := accessor.Column(ctx, "income")
	require.NoError(t, err)
	assert.Equal(t, []float64{52000, 48000, 91000}, values)

	_, err = accessor.Column(ctx, "height")
	assert.ErrorIs(t, err, pkgerrors.ErrColumnNotFound)
}

func TestCSVAccessorNonNumericColumn(t *testing.T) {
	path := writeCSV(t, "name,age\nalice,34\n")
	accessor, err := Open(domain.AccessInfo{Type: "csv", Path: path}, nil)
	require.NoError(t, err)

	_, err = accessor.Column(context.Background(), "name")
	assert.Error(t, err)
}

func TestCSVAccessorMissingFile(t *testing.T) {
	accessor, err := Open(domain.AccessInfo{Type: "csv", Path: "/no/such/file.csv"}, nil)
	require.NoError(t, err)

	_, err = accessor.Count(context.Background())
	assert.Error(t, err)
}

func TestOpenRejectsUnknownAccessType(t *testing.T) {
	_, err := Open(domain.AccessInfo{Type: "s3"}, nil)
	assert.Error(t, err)
}

func TestSyntheticIsDeterministicAndBounded(t *testing.T) {
	meta := &domain.Metadata{
		Columns:  []domain.Column{{Name: "age", LowerBound: 18, UpperBound: 90}},
		RowCount: 250,
	}
	s := NewSynthetic(meta)
	ctx := context.Background()

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(250), count)

	first, err := s.Column(ctx, "age")
	require.NoError(t, err)
	second, err := s.Column(ctx, "age")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for _, v := range first {
		assert.GreaterOrEqual(t, v, 18.0)
		assert.Less(t, v, 90.0)
	}

	_, err = s.Column(ctx, "height")
	assert.ErrorIs(t, err, pkgerrors.ErrColumnNotFound)
}

func TestSyntheticDefaultsRowCount(t *testing.T) {
	s := NewSynthetic(&domain.Metadata{})

	count, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), count)
}
