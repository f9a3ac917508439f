package proc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Root is the procfs mount. Tests point it at a fixture tree.
var Root = "/proc"

type Entry struct {
	Pid     int
	PPid    int
	State   byte
	Cmdline string
	Comm    string
}

type Snapshot struct {
	entries map[int]*Entry
}

// Alive reports whether pid names a running process. Zombies count as dead.
// Without procfs it falls back to signal 0.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	stat, err := os.ReadFile(filepath.Join(Root, strconv.Itoa(pid), "stat"))
	if err == nil {
		_, state, _, ok := parseStat(string(stat))
		if !ok {
			return true
		}
		return state != 'Z' && state != 'X'
	}
	if errors.Is(err, os.ErrNotExist) && procfsMounted() {
		return false
	}
	err = syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func procfsMounted() bool {
	_, err := os.Stat(filepath.Join(Root, "self"))
	return err == nil
}

func TakeSnapshot() *Snapshot {
	entries := make(map[int]*Entry)

	dirs, err := os.ReadDir(Root)
	if err != nil {
		return &Snapshot{entries: entries}
	}

	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		pid, ok := parsePID(dir.Name())
		if !ok {
			continue
		}

		stat, err := os.ReadFile(filepath.Join(Root, dir.Name(), "stat"))
		if err != nil {
			continue
		}

		comm, state, ppid, ok := parseStat(string(stat))
		if !ok {
			continue
		}

		entries[pid] = &Entry{
			Pid:     pid,
			PPid:    ppid,
			State:   state,
			Cmdline: readCmdline(pid),
			Comm:    comm,
		}
	}

	return &Snapshot{entries: entries}
}

func (s *Snapshot) Get(pid int) (*Entry, bool) {
	if s == nil {
		return nil, false
	}
	e, ok := s.entries[pid]
	return e, ok
}

// HasAncestor walks the parent chain of pid looking for ancestor.
// A process is not its own ancestor.
func (s *Snapshot) HasAncestor(pid, ancestor int) bool {
	if s == nil || pid <= 0 || ancestor <= 0 || pid == ancestor {
		return false
	}

	visited := make(map[int]struct{})
	current := pid
	for {
		if _, seen := visited[current]; seen {
			return false
		}
		visited[current] = struct{}{}

		entry, ok := s.entries[current]
		if !ok || entry.PPid <= 0 {
			return false
		}
		if entry.PPid == ancestor {
			return true
		}
		current = entry.PPid
	}
}

func parsePID(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	for _, ch := range name {
		if ch < '0' || ch > '9' {
			return 0, false
		}
	}
	pid, err := strconv.Atoi(name)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// parseStat extracts comm, state and ppid from a /proc/<pid>/stat line.
// comm may itself contain spaces and parentheses.
func parseStat(stat string) (string, byte, int, bool) {
	stat = strings.TrimSpace(stat)
	if stat == "" {
		return "", 0, 0, false
	}

	rparen := strings.LastIndex(stat, ")")
	lparen := strings.Index(stat, "(")
	if lparen == -1 || rparen == -1 || rparen <= lparen || rparen+2 > len(stat) {
		return "", 0, 0, false
	}

	comm := stat[lparen+1 : rparen]
	rest := strings.Fields(stat[rparen+1:])
	if len(rest) < 2 || len(rest[0]) != 1 {
		return comm, 0, 0, false
	}

	ppid, err := strconv.Atoi(rest[1])
	if err != nil {
		return comm, 0, 0, false
	}
	return comm, rest[0][0], ppid, true
}

func readCmdline(pid int) string {
	data, err := os.ReadFile(filepath.Join(Root, fmt.Sprint(pid), "cmdline"))
	if err != nil || len(data) == 0 {
		return ""
	}
	parts := strings.Split(string(data), "\x00")
	var fields []string
	for _, part := range parts {
		if part == "" {
			continue
		}
		fields = append(fields, part)
	}
	return strings.Join(fields, " ")
}
