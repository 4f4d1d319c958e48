// Package jobs holds the built-in job callables wired in by the app.
// They are intentionally self-contained so the engine can run end to end
// without an external content backend; a real deployment replaces the
// generator with its own callable under the same registration.
package jobs

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"

	"postpilot/internal/job"
	"postpilot/internal/job/autopilot"
	"postpilot/internal/storage"
)

var defaultTopics = []string{
	"content scheduling",
	"editorial automation",
	"publishing cadence",
	"seo fundamentals",
	"audience retention",
}

// ContentGeneration drafts one post. The topic comes from the payload
// ("topic" key) or is rotated from a built-in list; quality thresholds
// come from the autopilot config attached by the scheduler.
func ContentGeneration() job.Fn {
	return func(ctx context.Context, payload map[string]any) (any, error) {
		topic, _ := payload["topic"].(string)
		if strings.TrimSpace(topic) == "" {
			topic = defaultTopics[rand.Intn(len(defaultTopics))]
		}

		wordCount := 800
		seoFloor := 70
		autoPublish := false
		if cfg, ok := payload["config"].(autopilot.Config); ok {
			if cfg.RequireWordCount > 0 {
				wordCount = cfg.RequireWordCount
			}
			if cfg.RequireSEOScore > 0 {
				seoFloor = cfg.RequireSEOScore
			}
			autoPublish = cfg.AutoPublish
		}

		body, err := draft(ctx, topic, wordCount)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"title":       titleCase(topic),
			"slug":        slugify(topic),
			"body":        body,
			"word_count":  wordCount,
			"seo_score":   seoScore(topic, seoFloor),
			"published":   autoPublish,
			"tokens_used": wordCount * 4 / 3,
		}, nil
	}
}

// DailySummary reports the previous day's run counters (attached to the
// payload by the scheduler) together with recent persisted results.
func DailySummary(store storage.Store) job.Fn {
	return func(ctx context.Context, payload map[string]any) (any, error) {
		out := map[string]any{
			"total_runs":      payload["total_runs"],
			"successful_runs": payload["successful_runs"],
		}
		if store != nil {
			recent, err := store.RecentResults(ctx, 50)
			if err != nil {
				return nil, fmt.Errorf("load recent results: %w", err)
			}
			var failed int
			for _, r := range recent {
				if r.Status.CountsAsError() {
					failed++
				}
			}
			out["stored_results"] = len(recent)
			out["stored_failures"] = failed
		}
		return out, nil
	}
}

// WeeklyMaintenance prunes stored results past the retention window.
func WeeklyMaintenance(store storage.Store) job.Fn {
	return func(ctx context.Context, payload map[string]any) (any, error) {
		if store == nil {
			return map[string]any{"pruned": 0}, nil
		}
		n, err := store.Prune(ctx)
		if err != nil {
			return nil, fmt.Errorf("prune results: %w", err)
		}
		return map[string]any{"pruned": n}, nil
	}
}

// draft assembles a filler body of roughly wordCount words, checking ctx
// between paragraphs so a timeout can interrupt long drafts.
func draft(ctx context.Context, topic string, wordCount int) (string, error) {
	const perParagraph = 60
	var b strings.Builder
	words := 0
	for words < wordCount {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n := perParagraph
		if wordCount-words < n {
			n = wordCount - words
		}
		b.WriteString(paragraph(topic, n))
		b.WriteString("\n\n")
		words += n
	}
	return b.String(), nil
}

func paragraph(topic string, words int) string {
	unit := "Notes on " + topic + "."
	perUnit := len(strings.Fields(unit))
	var b strings.Builder
	for w := 0; w < words; w += perUnit {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(unit)
	}
	return b.String()
}

// seoScore is a stable pseudo-score in [floor, 100] so the same topic
// always rates the same.
func seoScore(topic string, floor int) int {
	if floor >= 100 {
		return 100
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return floor + int(h.Sum32()%uint32(100-floor+1))
}

func titleCase(s string) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		fields[i] = strings.ToUpper(f[:1]) + f[1:]
	}
	return strings.Join(fields, " ")
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
