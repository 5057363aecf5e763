package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/Noofbiz/q8predict/config"
)

// Load reads every CSV file matching pattern (see Glob) and encodes the
// sequences and their Q8 labels. Files are read in lexical order.
func Load(pattern string, cfg config.Config) (*Batch, error) {
	return load(pattern, cfg, true)
}

// LoadUnlabeled is Load for files without a "q8" column. Labels is nil.
func LoadUnlabeled(pattern string, cfg config.Config) (*Batch, error) {
	return load(pattern, cfg, false)
}

func load(pattern string, cfg config.Config, labelled bool) (*Batch, error) {
	if cfg.InputDim != len(AminoAcids) {
		return nil, errors.Errorf("input_dim is %d but the residue encoding has %d features", cfg.InputDim, len(AminoAcids))
	}
	paths, err := Glob(pattern)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, path := range paths {
		n, err := countCSVRows(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to count rows in %s", path)
		}
		total += n
	}

	b := &Batch{
		IDs:     make([]string, 0, total),
		Inputs:  make([][][]float32, 0, total),
		Lengths: make([]int, 0, total),
	}
	if labelled {
		b.Labels = make([][][]float32, 0, total)
	}
	for _, path := range paths {
		if err := b.readFile(path, cfg, labelled); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// readFile appends the sequences of one CSV file to b.
func (b *Batch) readFile(path string, cfg config.Config, labelled bool) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open CSV")
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return errors.Wrapf(err, "failed to read header of %s", path)
	}
	colIndex := columnIndex(header)
	seqCol, ok := colIndex["sequence"]
	if !ok {
		return errors.Errorf("required column %q not found in %s", "sequence", path)
	}
	q8Col := -1
	if labelled {
		if q8Col, ok = colIndex["q8"]; !ok {
			return errors.Errorf("required column %q not found in %s", "q8", path)
		}
	}
	idCol, hasID := colIndex["id"]
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	for row := 1; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read row %d of %s", row, path)
		}
		id := fmt.Sprintf("%s:%d", base, row)
		if hasID && strings.TrimSpace(record[idCol]) != "" {
			id = strings.TrimSpace(record[idCol])
		}

		residues := record[seqCol]
		inputs, length, err := EncodeSequence(residues, cfg.MaxLength)
		if err != nil {
			return errors.Wrapf(err, "%s: sequence %s", path, id)
		}
		if labelled {
			q8 := strings.TrimSpace(record[q8Col])
			if a, l := utf8.RuneCountInString(strings.TrimSpace(residues)), utf8.RuneCountInString(q8); a != l {
				return errors.Errorf("%s: sequence %s has %d residues but %d labels", path, id, a, l)
			}
			labels, err := EncodeLabels(q8, cfg.LabelSet, cfg.MaxLength)
			if err != nil {
				return errors.Wrapf(err, "%s: sequence %s", path, id)
			}
			b.Labels = append(b.Labels, labels)
		}
		b.IDs = append(b.IDs, id)
		b.Inputs = append(b.Inputs, inputs)
		b.Lengths = append(b.Lengths, length)
	}
	return nil
}

// EncodeSequence one-hot encodes residues over AminoAcids into maxLen rows
// and returns the number of valid rows. Lower case letters are accepted.
func EncodeSequence(residues string, maxLen int) ([][]float32, int, error) {
	residues = strings.ToUpper(strings.TrimSpace(residues))
	if residues == "" {
		return nil, 0, errors.New("empty sequence")
	}
	unknown := strings.IndexRune(AminoAcids, 'X')
	out := make([][]float32, maxLen)
	length := 0
	for _, r := range residues {
		if length == maxLen {
			break
		}
		idx := strings.IndexRune(AminoAcids, r)
		if idx < 0 {
			idx = unknown
		}
		out[length] = make([]float32, len(AminoAcids))
		out[length][idx] = 1
		length++
	}
	for j := length; j < maxLen; j++ {
		out[j] = make([]float32, len(AminoAcids))
	}
	return out, length, nil
}

// EncodeLabels one-hot encodes a label string over labelSet into maxLen
// rows. Symbols outside labelSet are an error.
func EncodeLabels(symbols, labelSet string, maxLen int) ([][]float32, error) {
	symbols = strings.TrimSpace(symbols)
	if symbols == "" {
		return nil, errors.New("empty label string")
	}
	k := utf8.RuneCountInString(labelSet)
	out := make([][]float32, maxLen)
	for j := range out {
		out[j] = make([]float32, k)
	}
	j := 0
	for _, r := range symbols {
		if j == maxLen {
			break
		}
		idx := strings.IndexRune(labelSet, r)
		if idx < 0 {
			return nil, errors.Errorf("unknown label %q at position %d", r, j)
		}
		// IndexRune returns a byte offset; labels are looked up by rune index.
		out[j][utf8.RuneCountInString(labelSet[:idx])] = 1
		j++
	}
	return out, nil
}
