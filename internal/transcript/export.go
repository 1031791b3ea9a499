package transcript

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// QAPair is one extracted customer-question / admin-reply pair.
type QAPair struct {
	Question string  `json:"question"`
	Reply    string  `json:"reply"`
	ChatID   string  `json:"chat_id"`
	TS       float64 `json:"ts"`
}

// Diagnosis explains why a channel's history does or does not yield Q&A pairs.
type Diagnosis struct {
	AdminNames      []string        `json:"admin_names"`
	AdminIDs        []string        `json:"admin_ids"`
	AdminConfigured bool            `json:"admin_configured"`
	Chats           []ChatDiagnosis `json:"chats"`
	Hint            string          `json:"hint"`
}

// ChatDiagnosis is the per-conversation role distribution.
type ChatDiagnosis struct {
	ChatID   string `json:"chat_id"`
	Total    int    `json:"total"`
	Admin    int    `json:"admin"`
	Customer int    `json:"customer"`
	Unknown  int    `json:"unknown"`
	QAPairs  int    `json:"qa_pairs"`
}

const minPairContentLen = 10

// ExportQAPairs extracts consecutive customer→admin exchanges from a
// channel's history and writes them as a markdown file under
// <workspace>/knowledge/long_term/reply_examples/ for knowledge ingest.
func (r *Recorder) ExportQAPairs(channel, chatIDFilter, outputDir string) ([]QAPair, error) {
	dir := filepath.Join(r.base(), channel)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var pairs []QAPair
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		chatID := strings.TrimSuffix(e.Name(), ".jsonl")
		if chatIDFilter != "" && chatID != chatIDFilter {
			continue
		}
		recs := readRecords(filepath.Join(dir, e.Name()))
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].TS < recs[j].TS })
		for i := 0; i+1 < len(recs); i++ {
			a, b := recs[i], recs[i+1]
			if a.Role != RoleCustomer || b.Role != RoleAdmin {
				continue
			}
			q := strings.TrimSpace(a.Content)
			reply := strings.TrimSpace(b.Content)
			if len([]rune(q)) < minPairContentLen || len([]rune(reply)) < minPairContentLen {
				continue
			}
			pairs = append(pairs, QAPair{Question: q, Reply: reply, ChatID: a.ChatID, TS: b.TS})
		}
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	if outputDir == "" {
		outputDir = filepath.Join(r.workspace, "knowledge", "long_term", "reply_examples")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return pairs, err
	}

	var sb strings.Builder
	sb.WriteString("# Customer questions and admin replies\n\n")
	sb.WriteString("Exchanges extracted from chat history, for the agent to mimic reply tone.\n\n---\n\n")
	limit := len(pairs)
	if limit > 200 {
		limit = 200
	}
	for i := 0; i < limit; i++ {
		p := pairs[i]
		fmt.Fprintf(&sb, "## Example %d (from: %s)\n\n", i+1, p.ChatID)
		fmt.Fprintf(&sb, "**Customer**: %s\n\n", p.Question)
		fmt.Fprintf(&sb, "**Admin**: %s\n\n---\n\n", p.Reply)
	}

	outPath := filepath.Join(outputDir, channel+"_qa_examples.md")
	if err := os.WriteFile(outPath, []byte(sb.String()), 0644); err != nil {
		slog.Warn("qa export write failed", "path", outPath, "error", err)
		return pairs, err
	}
	slog.Info("exported qa pairs", "count", len(pairs), "path", outPath)
	return pairs, nil
}

// Diagnose reports role distribution and a hint explaining missing Q&A pairs.
func (r *Recorder) Diagnose(channel, chatIDFilter string) Diagnosis {
	d := Diagnosis{
		AdminConfigured: len(r.adminNames) > 0 || len(r.adminIDs) > 0,
	}
	for n := range r.adminNames {
		d.AdminNames = append(d.AdminNames, n)
	}
	for id := range r.adminIDs {
		d.AdminIDs = append(d.AdminIDs, id)
	}
	sort.Strings(d.AdminNames)
	sort.Strings(d.AdminIDs)

	dir := filepath.Join(r.base(), channel)
	entries, err := os.ReadDir(dir)
	if err != nil {
		d.Hint = "no chat_history directory yet; run the gateway and let messages accumulate first"
		return d
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		chatID := strings.TrimSuffix(e.Name(), ".jsonl")
		if chatIDFilter != "" && chatID != chatIDFilter {
			continue
		}
		recs := readRecords(filepath.Join(dir, e.Name()))
		cd := ChatDiagnosis{ChatID: chatID, Total: len(recs)}
		for _, rec := range recs {
			switch rec.Role {
			case RoleAdmin:
				cd.Admin++
			case RoleCustomer:
				cd.Customer++
			default:
				cd.Unknown++
			}
		}
		for i := 0; i+1 < len(recs); i++ {
			if recs[i].Role == RoleCustomer && recs[i+1].Role == RoleAdmin &&
				len([]rune(strings.TrimSpace(recs[i].Content))) >= minPairContentLen &&
				len([]rune(strings.TrimSpace(recs[i+1].Content))) >= minPairContentLen {
				cd.QAPairs++
			}
		}
		d.Chats = append(d.Chats, cd)
	}

	switch {
	case !d.AdminConfigured:
		d.Hint = "adminNames/adminIds not configured; messages are recorded as unknown. Configure them, run chat-history re-role, then export."
	case len(d.Chats) == 0 && chatIDFilter != "":
		d.Hint = fmt.Sprintf("no records for chat_id=%s; run chat-history list to see actual IDs", chatIDFilter)
	case len(d.Chats) > 0:
		c := d.Chats[0]
		switch {
		case c.Unknown == c.Total:
			d.Hint = "all messages are unknown (recorded before admin config); run chat-history re-role, then export"
		case c.Admin == 0:
			d.Hint = "no admin messages in this chat; check adminNames/adminIds match the actual admin nickname/account"
		case c.QAPairs == 0:
			d.Hint = fmt.Sprintf("%d admin messages but no consecutive customer→admin exchanges; messages may interleave or be too short", c.Admin)
		default:
			d.Hint = fmt.Sprintf("%d pairs should export; retry export", c.QAPairs)
		}
	}
	return d
}
