package diskcache

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jmgilman/go/fs/core"
)

// The journal is a text file with a fixed header followed by one record per
// line:
//
//	sketch.diskcache
//	1
//	<app version>
//	<value count>
//
//	DIRTY <name>
//	CLEAN <name> <length>...
//	REMOVE <name>
//	READ <name>
//
// A DIRTY line starts an edit; it must be followed by CLEAN or REMOVE for the
// same entry, otherwise the edit was interrupted and its files are discarded
// on the next open.
const (
	journalFile    = "journal"
	journalTmpFile = "journal.tmp"
	journalMagic   = "sketch.diskcache"
	journalFormat  = "1"

	// valueCount is the number of files per entry: data and metadata.
	valueCount = 2

	// rebuildThreshold is the number of redundant records that triggers a
	// journal rewrite, provided they also outnumber the live entries.
	rebuildThreshold = 2000
)

type opKind string

const (
	opDirty  opKind = "DIRTY"
	opClean  opKind = "CLEAN"
	opRemove opKind = "REMOVE"
	opRead   opKind = "READ"
)

type record struct {
	op      opKind
	name    string
	lengths [valueCount]int64
}

func (r record) String() string {
	if r.op != opClean {
		return string(r.op) + " " + r.name
	}
	var b strings.Builder
	b.WriteString(string(r.op))
	b.WriteByte(' ')
	b.WriteString(r.name)
	for _, n := range r.lengths {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(n, 10))
	}
	return b.String()
}

func parseRecord(line string) (record, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return record{}, fmt.Errorf("malformed journal line %q", line)
	}
	r := record{op: opKind(fields[0]), name: fields[1]}
	switch r.op {
	case opDirty, opRemove, opRead:
		if len(fields) != 2 {
			return record{}, fmt.Errorf("malformed journal line %q", line)
		}
	case opClean:
		if len(fields) != 2+valueCount {
			return record{}, fmt.Errorf("malformed journal line %q", line)
		}
		for i := range valueCount {
			n, err := strconv.ParseInt(fields[2+i], 10, 64)
			if err != nil || n < 0 {
				return record{}, fmt.Errorf("malformed length in journal line %q", line)
			}
			r.lengths[i] = n
		}
	default:
		return record{}, fmt.Errorf("unknown journal op in line %q", line)
	}
	return r, nil
}

func header(appVersion int) string {
	return fmt.Sprintf("%s\n%s\n%d\n%d\n\n", journalMagic, journalFormat, appVersion, valueCount)
}

// readJournal parses a journal. It returns ErrJournalCorrupted when the header
// does not match appVersion. A malformed or unterminated record ends the
// replay; truncated reports that the journal should be rewritten.
func readJournal(r io.Reader, appVersion int) (records []record, truncated bool, err error) {
	br := bufio.NewReader(r)
	want := strings.Split(strings.TrimSuffix(header(appVersion), "\n"), "\n")
	for _, expected := range want {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, false, fmt.Errorf("%w: short header", ErrJournalCorrupted)
		}
		if got := strings.TrimSuffix(line, "\n"); got != expected {
			return nil, false, fmt.Errorf("%w: header line %q, expected %q", ErrJournalCorrupted, got, expected)
		}
	}

	for {
		line, err := br.ReadString('\n')
		if err == io.EOF {
			// A partial last line is a record whose write was interrupted.
			return records, line != "", nil
		}
		if err != nil {
			return records, true, nil
		}
		rec, perr := parseRecord(strings.TrimSuffix(line, "\n"))
		if perr != nil {
			return records, true, nil
		}
		records = append(records, rec)
	}
}

// journalWriter appends records to an open journal.
type journalWriter struct {
	f core.File
	w *bufio.Writer
}

func openJournalWriter(fsys core.FS, dir string) (*journalWriter, error) {
	f, err := fsys.OpenFile(filepath.Join(dir, journalFile), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &journalWriter{f: f, w: bufio.NewWriter(f)}, nil
}

func (j *journalWriter) append(rec record) error {
	if _, err := j.w.WriteString(rec.String() + "\n"); err != nil {
		return err
	}
	if err := j.w.Flush(); err != nil {
		return err
	}
	if s, ok := j.f.(core.Syncer); ok {
		return s.Sync()
	}
	return nil
}

func (j *journalWriter) close() error {
	if j == nil {
		return nil
	}
	err := j.w.Flush()
	if cerr := j.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// writeJournal writes a fresh journal holding records and swaps it in with a
// rename, so a crash leaves either the old or the new journal in place.
func writeJournal(fsys core.FS, dir string, appVersion int, records []record) error {
	tmp := filepath.Join(dir, journalTmpFile)
	f, err := fsys.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create journal: %w", err)
	}
	w := bufio.NewWriter(f)
	_, err = w.WriteString(header(appVersion))
	for _, rec := range records {
		if err != nil {
			break
		}
		_, err = w.WriteString(rec.String() + "\n")
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fsys.Remove(tmp)
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := fsys.Rename(tmp, filepath.Join(dir, journalFile)); err != nil {
		_ = fsys.Remove(tmp)
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	return nil
}
