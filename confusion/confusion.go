// Package confusion accumulates label confusion matrices over padded
// sequence batches and reports them at the end of each training epoch.
package confusion

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/q8predict/sequence"
)

// Matrix counts positions by [true label][predicted label].
type Matrix struct {
	labels []rune
	counts []int
}

// NewMatrix returns an empty K×K matrix, K being the number of labels.
func NewMatrix(labels string) *Matrix {
	runes := []rune(labels)
	return &Matrix{labels: runes, counts: make([]int, len(runes)*len(runes))}
}

// Size returns K.
func (m *Matrix) Size() int { return len(m.labels) }

// Labels returns the label alphabet, in index order.
func (m *Matrix) Labels() string { return string(m.labels) }

// Add counts one position whose true label is t and predicted label is p.
// Indices out of [0, K) panic.
func (m *Matrix) Add(t, p int) {
	k := m.Size()
	if t < 0 || t >= k || p < 0 || p >= k {
		exceptions.Panicf("confusion: label pair (%d, %d) out of range for %d labels", t, p, k)
	}
	m.counts[t*k+p]++
}

// At returns the count for true label t and predicted label p.
func (m *Matrix) At(t, p int) int { return m.counts[t*m.Size()+p] }

// Total returns the number of positions counted.
func (m *Matrix) Total() int {
	var n int
	for _, c := range m.counts {
		n += c
	}
	return n
}

// Reset zeroes all counts.
func (m *Matrix) Reset() {
	clear(m.counts)
}

// Clone returns an independent copy.
func (m *Matrix) Clone() *Matrix {
	return &Matrix{labels: m.labels, counts: append([]int(nil), m.counts...)}
}

// Diagonal returns the correctly predicted count of every label.
func (m *Matrix) Diagonal() []int {
	k := m.Size()
	d := make([]int, k)
	for i := range d {
		d[i] = m.counts[i*k+i]
	}
	return d
}

// Dense returns the counts as a gonum matrix. It is nil when K is 0.
func (m *Matrix) Dense() *mat.Dense {
	k := m.Size()
	if k == 0 {
		return nil
	}
	data := make([]float64, len(m.counts))
	for i, c := range m.counts {
		data[i] = float64(c)
	}
	return mat.NewDense(k, k, data)
}

// Recall returns, per true label, the fraction of its positions predicted
// correctly. Labels never seen get 0.
func (m *Matrix) Recall() []float64 {
	d := m.Dense()
	if d == nil {
		return nil
	}
	out := make([]float64, m.Size())
	for i := range out {
		if sum := mat.Sum(d.RowView(i)); sum > 0 {
			out[i] = d.At(i, i) / sum
		}
	}
	return out
}

// Precision returns, per predicted label, the fraction of its predictions
// that were correct. Labels never predicted get 0.
func (m *Matrix) Precision() []float64 {
	d := m.Dense()
	if d == nil {
		return nil
	}
	out := make([]float64, m.Size())
	for j := range out {
		if sum := mat.Sum(d.ColView(j)); sum > 0 {
			out[j] = d.At(j, j) / sum
		}
	}
	return out
}

// String renders one row per true label, columns by predicted label.
func (m *Matrix) String() string {
	d := m.Dense()
	if d == nil {
		return "(empty)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "rows: true, columns: predicted %s\n", string(m.labels))
	rows := strings.Split(fmt.Sprintf("%v", mat.Formatted(d, mat.Squeeze())), "\n")
	for i, row := range rows {
		fmt.Fprintf(&sb, "%c %s\n", m.labels[i], row)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// Accumulate adds every valid position of the batch to m.
//
// A position's true label is taken from its one-hot vector; an all-zero
// vector marks padding and ends the sequence. When lengths is not nil the
// scan of sequence i also stops at lengths[i], whichever comes first.
func Accumulate(m *Matrix, yTrue, yPred [][][]float32, lengths []int) error {
	if len(yTrue) != len(yPred) {
		return errors.Errorf("confusion: %d label sequences but %d predictions", len(yTrue), len(yPred))
	}
	if lengths != nil && len(lengths) != len(yTrue) {
		return errors.Errorf("confusion: %d label sequences but %d lengths", len(yTrue), len(lengths))
	}
	trueLabels := sequence.Labels(yTrue)
	for i, row := range trueLabels {
		limit := len(row)
		if lengths != nil {
			limit = min(limit, lengths[i])
		}
		if len(yPred[i]) < limit {
			return errors.Errorf("confusion: sequence %d has %d predicted positions, need %d", i, len(yPred[i]), limit)
		}
		for j := 0; j < limit; j++ {
			t := row[j]
			if t < 0 {
				break
			}
			p := sequence.BestLabel(yPred[i][j])
			if p < 0 || p >= m.Size() || t >= m.Size() {
				return errors.Errorf("confusion: sequence %d position %d: labels (%d, %d) out of range for %d labels",
					i, j, t, p, m.Size())
			}
			m.Add(t, p)
		}
	}
	return nil
}

// PredictFunc returns the per-position label scores for a batch of inputs.
type PredictFunc func(x [][][]float32) ([][][]float32, error)

// Reporter prints the confusion matrix over the validation set after each
// epoch. A disabled Reporter does nothing.
type Reporter struct {
	enabled bool
	matrix  *Matrix
}

// NewReporter returns a reporter over the given label alphabet.
func NewReporter(enabled bool, labels string) *Reporter {
	return &Reporter{enabled: enabled, matrix: NewMatrix(labels)}
}

// Enabled reports whether Report does any work.
func (r *Reporter) Enabled() bool { return r != nil && r.enabled }

// Report recomputes the matrix for epoch from scratch, logs it and returns a
// copy. It never fails: problems are logged as warnings and nil is returned.
func (r *Reporter) Report(epoch int, predict PredictFunc, xVal, yVal [][][]float32, lenVal []int) *Matrix {
	if !r.Enabled() {
		return nil
	}
	if len(xVal) == 0 || len(yVal) == 0 || predict == nil {
		klog.Warningf("epoch %d: no validation data, skipping confusion matrix", epoch)
		return nil
	}
	r.matrix.Reset()
	exception := exceptions.Try(func() {
		yPred, err := predict(xVal)
		if err != nil {
			panic(err)
		}
		if err := Accumulate(r.matrix, yVal, yPred, lenVal); err != nil {
			panic(err)
		}
	})
	if exception != nil {
		klog.Warningf("epoch %d: confusion matrix unavailable: %v", epoch, exception)
		r.matrix.Reset()
		return nil
	}
	klog.Infof("epoch %d: confusion matrix on validation data (%d positions)\n%s", epoch, r.matrix.Total(), r.matrix)
	return r.matrix.Clone()
}
