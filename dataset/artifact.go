package dataset

import (
	"bufio"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ReadFeatureMap reads an ST-map artifact: a frames x features matrix in
// gonum's binary matrix encoding.
func ReadFeatureMap(path string) (*mat.Dense, error) {
	f, err := openArtifact(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var m mat.Dense
	if _, err := m.UnmarshalBinaryFrom(bufio.NewReader(f)); err != nil {
		return nil, errors.Wrapf(ErrCorruptArtifact, "feature map %s: %v", path, err)
	}
	return &m, nil
}

// ReadTargetSignal reads a target-signal artifact: a vector of heart-rate
// values in gonum's binary vector encoding.
func ReadTargetSignal(path string) (*mat.VecDense, error) {
	f, err := openArtifact(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var v mat.VecDense
	if _, err := v.UnmarshalBinaryFrom(bufio.NewReader(f)); err != nil {
		return nil, errors.Wrapf(ErrCorruptArtifact, "target signal %s: %v", path, err)
	}
	return &v, nil
}

// WriteFeatureMap writes an ST-map artifact, creating parent directories.
func WriteFeatureMap(path string, m *mat.Dense) error {
	return writeArtifact(path, func(w *bufio.Writer) error {
		_, err := m.MarshalBinaryTo(w)
		return err
	})
}

// WriteTargetSignal writes a target-signal artifact, creating parent directories.
func WriteTargetSignal(path string, v *mat.VecDense) error {
	return writeArtifact(path, func(w *bufio.Writer) error {
		_, err := v.MarshalBinaryTo(w)
		return err
	})
}

func openArtifact(path string) (*os.File, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrMissingArtifact, path)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptArtifact, "open %s: %v", path, err)
	}
	return f, nil
}

func writeArtifact(path string, encode func(*bufio.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create artifact directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create artifact")
	}
	w := bufio.NewWriter(f)
	if err := encode(w); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "flush %s", path)
	}
	return f.Close()
}
