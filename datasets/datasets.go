package datasets

import (
	"math/rand"

	"github.com/pkg/errors"
)

// This package loads protein secondary-structure data from CSV files and
// encodes it for the predictor.
//
// Layout:
//   - Each CSV has a header naming at least "sequence" and, when labelled,
//     "q8". An "id" column is used when present. Column names are matched
//     case-insensitively and extra columns are ignored.
//   - Inputs per sequence: [L][len(AminoAcids)] one-hot residues, all-zero rows
//     past the end of the sequence.
//   - Labels per sequence: [L][K] one-hot over the configured label set, all-zero
//     rows past the end of the sequence.
//   - Sequences longer than L are truncated to L.

// AminoAcids is the residue alphabet, in feature-index order. Letters outside
// it are encoded as the last symbol, X.
const AminoAcids = "ACDEFGHIKLMNPQRSTVWYX"

// Batch holds encoded sequences. Labels is nil for unlabelled data.
type Batch struct {
	IDs     []string
	Inputs  [][][]float32
	Labels  [][][]float32
	Lengths []int
}

// Len returns the number of sequences.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.IDs)
}

// Residues returns the total number of valid positions.
func (b *Batch) Residues() int {
	var n int
	for _, l := range b.Lengths {
		n += l
	}
	return n
}

// Subset returns a batch with the given sequences, in the given order. The
// encoded rows are shared with b.
func (b *Batch) Subset(indices []int) (*Batch, error) {
	out := &Batch{
		IDs:     make([]string, 0, len(indices)),
		Inputs:  make([][][]float32, 0, len(indices)),
		Lengths: make([]int, 0, len(indices)),
	}
	if b.Labels != nil {
		out.Labels = make([][][]float32, 0, len(indices))
	}
	for _, idx := range indices {
		if idx < 0 || idx >= b.Len() {
			return nil, errors.Errorf("index %d out of range [0, %d)", idx, b.Len())
		}
		out.IDs = append(out.IDs, b.IDs[idx])
		out.Inputs = append(out.Inputs, b.Inputs[idx])
		out.Lengths = append(out.Lengths, b.Lengths[idx])
		if b.Labels != nil {
			out.Labels = append(out.Labels, b.Labels[idx])
		}
	}
	return out, nil
}

// Split shuffles the sequences with seed and moves a fraction frac of them
// (rounded down) into the second batch.
func (b *Batch) Split(frac float64, seed int64) (train, val *Batch, err error) {
	if frac < 0 || frac >= 1 {
		return nil, nil, errors.Errorf("split fraction must be in [0, 1), got %g", frac)
	}
	order := rand.New(rand.NewSource(seed)).Perm(b.Len())
	nVal := int(frac * float64(b.Len()))
	if train, err = b.Subset(order[nVal:]); err != nil {
		return nil, nil, err
	}
	if val, err = b.Subset(order[:nVal]); err != nil {
		return nil, nil, err
	}
	return train, val, nil
}
