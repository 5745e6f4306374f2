package storage

import (
	"bufio"
	"errors"
	"io/fs"
	"os"

	jsoniter "github.com/json-iterator/go"
)

var jsonl = jsoniter.ConfigCompatibleWithStandardLibrary

// journal is an append-only JSON Lines file of T records.
type journal[T any] struct {
	f *os.File
}

// openJournal replays path through fn and opens it for appending. Lines
// that do not decode are skipped and counted in bad.
func openJournal[T any](path string, fn func(T)) (j *journal[T], good, bad int, err error) {
	if good, bad, err = replay(path, fn); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, good, bad, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, good, bad, err
	}
	if err := terminate(f); err != nil {
		_ = f.Close()
		return nil, good, bad, err
	}
	return &journal[T]{f: f}, good, bad, nil
}

// terminate ends a torn last line so the next record starts on its own.
func terminate(f *os.File) error {
	fi, err := f.Stat()
	if err != nil || fi.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return err
	}
	if last[0] != '\n' {
		_, err = f.Write([]byte{'\n'})
	}
	return err
}

func replay[T any](path string, fn func(T)) (good, bad int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		var rec T
		if len(sc.Bytes()) == 0 {
			continue
		}
		if jsonl.Unmarshal(sc.Bytes(), &rec) != nil {
			bad++
			continue
		}
		fn(rec)
		good++
	}
	return good, bad, sc.Err()
}

func (j *journal[T]) append(rec T) error {
	if j == nil || j.f == nil {
		return ErrClosed
	}
	b, err := jsonl.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = j.f.Write(append(b, '\n'))
	return err
}

func (j *journal[T]) close() error {
	if j == nil || j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
