package querier

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"

	"dpgate/internal/domain"
	pkgerrors "dpgate/pkg/errors"
)

// Open builds an Accessor for a dataset's access descriptor. The descriptor
// is opaque to the dispatch gate; this is the only place it is interpreted.
func Open(access domain.AccessInfo, meta *domain.Metadata) (Accessor, error) {
	switch access.Type {
	case "csv":
		return &csvAccessor{path: access.Path}, nil
	case "synthetic":
		return NewSynthetic(meta), nil
	default:
		return nil, fmt.Errorf("unsupported dataset access type %q", access.Type)
	}
}

// csvAccessor reads a headed CSV file on demand. Files are read per call:
// query execution is already minutes-scale for some libraries, so no
// caching layer is warranted here.
type csvAccessor struct {
	path string
}

func (a *csvAccessor) read() ([][]string, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open dataset file")
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to parse dataset file")
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("dataset file %s is empty", a.path)
	}
	return records, nil
}

func (a *csvAccessor) Count(ctx context.Context) (int64, error) {
	records, err := a.read()
	if err != nil {
		return 0, err
	}
	return int64(len(records) - 1), nil
}

func (a *csvAccessor) Column(ctx context.Context, name string) ([]float64, error) {
	records, err := a.read()
	if err != nil {
		return nil, err
	}

	col := -1
	for i, header := range records[0] {
		if header == name {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, pkgerrors.ErrColumnNotFound
	}

	values := make([]float64, 0, len(records)-1)
	for _, row := range records[1:] {
		if col >= len(row) {
			continue
		}
		v, err := strconv.ParseFloat(row[col], 64)
		if err != nil {
			return nil, pkgerrors.Wrap(err, fmt.Sprintf("non-numeric value in column %q", name))
		}
		values = append(values, v)
	}
	return values, nil
}

// Synthetic generates deterministic data from metadata alone. It backs the
// dummy-dataset queue: callers can exercise a query end to end without
// touching real rows or spending budget.
type Synthetic struct {
	meta *domain.Metadata
}

func NewSynthetic(meta *domain.Metadata) *Synthetic {
	return &Synthetic{meta: meta}
}

func (s *Synthetic) rows() int64 {
	if s.meta.RowCount > 0 {
		return s.meta.RowCount
	}
	return 1000
}

func (s *Synthetic) Count(ctx context.Context) (int64, error) {
	return s.rows(), nil
}

// Column sweeps the declared bounds evenly. Deterministic so repeated dummy
// runs of the same request agree before noise is added.
func (s *Synthetic) Column(ctx context.Context, name string) ([]float64, error) {
	col, ok := s.meta.Column(name)
	if !ok {
		return nil, pkgerrors.ErrColumnNotFound
	}

	n := s.rows()
	values := make([]float64, n)
	span := col.UpperBound - col.LowerBound
	if span <= 0 || math.IsInf(span, 0) {
		span = 1
	}
	for i := int64(0); i < n; i++ {
		values[i] = col.LowerBound + span*float64(i)/float64(n)
	}
	return values, nil
}
