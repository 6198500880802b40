// analyze prints a summary of honeyshell capture logs.
// Usage: go run ./cmd/analyze [--top N] [--log-dir PATH] [--sessions]
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// ── Types ──────────────────────────────────────────────────────────────────────

type credEntry struct {
	TS       string `json:"ts"`
	IP       string `json:"ip"`
	Username string `json:"username"`
	Password string `json:"password"`
	Attempt  int    `json:"attempt"`
	Verdict  string `json:"verdict"`
}

type sessionEntry struct {
	TS      string `json:"ts"`
	Msg     string `json:"msg"`
	IP      string `json:"ip"`
	User    string `json:"user"`
	Command string `json:"command"`
	File    string `json:"file"`
	Reason  string `json:"reason"`
}

type counter map[string]int

func (c counter) topN(n int) []kv {
	kvs := make([]kv, 0, len(c))
	for k, v := range c {
		kvs = append(kvs, kv{k, v})
	}
	sort.Slice(kvs, func(i, j int) bool {
		if kvs[i].V != kvs[j].V {
			return kvs[i].V > kvs[j].V
		}
		return kvs[i].K < kvs[j].K
	})
	if n > 0 && len(kvs) > n {
		kvs = kvs[:n]
	}
	return kvs
}

type kv struct {
	K string
	V int
}

type pairKey struct{ user, pass string }

// ── Loaders ────────────────────────────────────────────────────────────────────

func loadJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(line), &v); err == nil {
			out = append(out, v)
		}
	}
	return out, sc.Err()
}

func loadSessions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// stripPort turns "1.2.3.4:5555" or "[::1]:5555" into the bare host.
func stripPort(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		addr = addr[:i]
	}
	return strings.Trim(addr, "[]")
}

// ── Formatting ─────────────────────────────────────────────────────────────────

func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	sep := make([]string, len(headers))
	for i, wd := range widths {
		sep[i] = strings.Repeat("─", wd)
	}
	row2line := func(cells []string) string {
		parts := make([]string, len(headers))
		for i := range headers {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}
	fmt.Fprintln(w, row2line(headers))
	fmt.Fprintln(w, strings.Join(sep, "  "))
	for _, row := range rows {
		fmt.Fprintln(w, row2line(row))
	}
}

func section(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s\n%s\n", title, strings.Repeat("─", len([]rune(title))))
}

func counterRows(c counter, n int) [][]string {
	rows := [][]string{}
	for _, e := range c.topN(n) {
		rows = append(rows, []string{e.K, fmt.Sprint(e.V)})
	}
	return rows
}

// ── Session analysis ───────────────────────────────────────────────────────────

type sessionSummary struct {
	path     string
	ip       string
	user     string
	commands []string
	written  []string
	reason   string
}

func analyzeSession(path string) sessionSummary {
	sum := sessionSummary{path: path}
	entries, err := loadJSONL[sessionEntry](path)
	if err != nil {
		return sum
	}
	for _, e := range entries {
		if sum.ip == "" && e.IP != "" {
			sum.ip = stripPort(e.IP)
		}
		if sum.user == "" && e.User != "" {
			sum.user = e.User
		}
		switch e.Msg {
		case "command":
			sum.commands = append(sum.commands, e.Command)
		case "file written":
			sum.written = append(sum.written, e.File)
		case "session ended":
			sum.reason = e.Reason
		}
	}
	return sum
}

var knownCommands = map[string]bool{
	"ls": true, "echo": true, "cat": true, "cp": true, "clear": true, "exit": true,
}

// ── Report ─────────────────────────────────────────────────────────────────────

type report struct {
	creds    []credEntry
	sessions []sessionSummary
}

func buildReport(logDir string) (*report, error) {
	r := &report{}
	creds, err := loadJSONL[credEntry](filepath.Join(logDir, "credentials.jsonl"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	r.creds = creds

	paths, err := loadSessions(filepath.Join(logDir, "sessions"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, p := range paths {
		r.sessions = append(r.sessions, analyzeSession(p))
	}
	return r, nil
}

func (r *report) print(w io.Writer, topN int, detail bool, now time.Time) {
	fmt.Fprintf(w, "\n%s\n", strings.Repeat("═", 62))
	fmt.Fprintf(w, "  HONEYSHELL REPORT  %s UTC\n", now.UTC().Format("2006-01-02 15:04"))
	fmt.Fprintf(w, "%s\n", strings.Repeat("═", 62))

	r.printCredentials(w, topN)
	r.printSessions(w, topN, detail)

	fmt.Fprintf(w, "\n%s\n\n", strings.Repeat("═", 62))
}

func (r *report) printCredentials(w io.Writer, topN int) {
	if len(r.creds) == 0 {
		fmt.Fprintln(w, "\nNo credential attempts logged yet.")
		return
	}

	ips := make(counter)
	users := make(counter)
	passes := make(counter)
	unknown := make(counter)
	pairs := make(map[pairKey]int)
	admitted := make(map[string]credEntry)

	var timestamps []string
	for _, e := range r.creds {
		ips[stripPort(e.IP)]++
		users[e.Username]++
		passes[e.Password]++
		pairs[pairKey{e.Username, e.Password}]++
		timestamps = append(timestamps, e.TS)

		switch e.Verdict {
		case "unknown-user":
			unknown[e.Username]++
		case "admit":
			if prev, ok := admitted[e.Username]; !ok || e.Attempt < prev.Attempt {
				admitted[e.Username] = e
			}
		}
	}
	sort.Strings(timestamps)

	section(w, "Auth Attempts")
	fmt.Fprintf(w, "Total attempts    : %d\n", len(r.creds))
	fmt.Fprintf(w, "First             : %s\n", timestamps[0])
	fmt.Fprintf(w, "Last              : %s\n", timestamps[len(timestamps)-1])
	fmt.Fprintf(w, "Unique IPs        : %d\n", len(ips))
	fmt.Fprintf(w, "Unique usernames  : %d\n", len(users))
	fmt.Fprintf(w, "Unique passwords  : %d\n", len(passes))

	section(w, fmt.Sprintf("Top %d Source IPs", topN))
	printTable(w, []string{"IP", "Attempts"}, counterRows(ips, topN))

	section(w, fmt.Sprintf("Top %d Usernames", topN))
	printTable(w, []string{"Username", "Count"}, counterRows(users, topN))

	section(w, fmt.Sprintf("Top %d Passwords", topN))
	printTable(w, []string{"Password", "Count"}, counterRows(passes, topN))

	section(w, fmt.Sprintf("Top %d Credential Pairs", topN))
	type pairCount struct {
		user, pass string
		count      int
	}
	pairList := make([]pairCount, 0, len(pairs))
	for pk, cnt := range pairs {
		pairList = append(pairList, pairCount{pk.user, pk.pass, cnt})
	}
	sort.Slice(pairList, func(i, j int) bool {
		if pairList[i].count != pairList[j].count {
			return pairList[i].count > pairList[j].count
		}
		return pairList[i].user+"\x00"+pairList[i].pass < pairList[j].user+"\x00"+pairList[j].pass
	})
	if topN > 0 && len(pairList) > topN {
		pairList = pairList[:topN]
	}
	rows := [][]string{}
	for _, p := range pairList {
		rows = append(rows, []string{p.user, p.pass, fmt.Sprint(p.count)})
	}
	printTable(w, []string{"Username", "Password", "Count"}, rows)

	section(w, "Admitted Usernames")
	if len(admitted) == 0 {
		fmt.Fprintln(w, "No username has reached the admission threshold.")
	} else {
		names := make([]string, 0, len(admitted))
		for u := range admitted {
			names = append(names, u)
		}
		sort.Strings(names)
		rows = rows[:0]
		for _, u := range names {
			e := admitted[u]
			rows = append(rows, []string{u, fmt.Sprint(e.Attempt), stripPort(e.IP), e.Password})
		}
		printTable(w, []string{"Username", "Attempt", "IP", "Password"}, rows)
	}

	section(w, fmt.Sprintf("Top %d Rejected Usernames", topN))
	if len(unknown) == 0 {
		fmt.Fprintln(w, "None.")
	} else {
		printTable(w, []string{"Username", "Count"}, counterRows(unknown, topN))
	}
}

func (r *report) printSessions(w io.Writer, topN int, detail bool) {
	section(w, "Session Logs")
	fmt.Fprintf(w, "Total sessions : %d\n", len(r.sessions))
	if len(r.sessions) == 0 {
		return
	}

	cmdFreq := make(counter)
	files := make(counter)
	reasons := make(counter)
	active := 0
	for _, s := range r.sessions {
		if len(s.commands) > 0 {
			active++
		}
		for _, c := range s.commands {
			if f := strings.Fields(c); len(f) > 0 {
				cmdFreq[f[0]]++
			}
		}
		for _, f := range s.written {
			files[f]++
		}
		if s.reason != "" {
			reasons[s.reason]++
		}
	}
	fmt.Fprintf(w, "Active sessions: %d (ran at least one command)\n", active)

	if len(cmdFreq) > 0 {
		section(w, fmt.Sprintf("Top %d Commands", topN))
		printTable(w, []string{"Command", "Count"}, counterRows(cmdFreq, topN))
	}
	if len(files) > 0 {
		section(w, fmt.Sprintf("Top %d Files Written", topN))
		printTable(w, []string{"File", "Writes"}, counterRows(files, topN))
	}
	if len(reasons) > 0 {
		section(w, "Session End Reasons")
		printTable(w, []string{"Reason", "Count"}, counterRows(reasons, 0))
	}

	section(w, "Notable Sessions")
	notable := 0
	for _, s := range r.sessions {
		var flags []string
		seen := map[string]bool{}
		flag := func(f string) {
			if !seen[f] {
				seen[f] = true
				flags = append(flags, f)
			}
		}
		for _, c := range s.commands {
			f := strings.Fields(c)
			if len(f) == 0 {
				continue
			}
			if !knownCommands[f[0]] {
				flag("probing")
			}
		}
		if len(s.written) > 0 {
			flag("writer")
		}
		if len(flags) == 0 {
			continue
		}
		notable++
		fmt.Fprintf(w, "  %-50s [%s]\n", filepath.Base(s.path), strings.Join(flags, ", "))
	}
	if notable == 0 {
		fmt.Fprintln(w, "  None flagged.")
	}

	if detail {
		section(w, "Per-Session Command Detail")
		for _, s := range r.sessions {
			if len(s.commands) == 0 {
				continue
			}
			fmt.Fprintf(w, "\n  %s  (%s@%s)\n", filepath.Base(s.path), s.user, s.ip)
			for _, c := range s.commands {
				fmt.Fprintf(w, "    shell> %s\n", c)
			}
		}
	}
}

// ── Main ───────────────────────────────────────────────────────────────────────

func main() {
	topN := pflag.IntP("top", "n", 20, "Number of top entries to show")
	logDir := pflag.StringP("log-dir", "l", "./honeypot_logs", "Path to honeypot log directory")
	sessions := pflag.BoolP("sessions", "s", false, "Show per-session command detail")
	pflag.Parse()

	r, err := buildReport(*logDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analyze: %v\n", err)
		os.Exit(1)
	}
	r.print(os.Stdout, *topN, *sessions, time.Now())
}
