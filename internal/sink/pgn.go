package sink

import (
	"fmt"
	"strings"
	"time"

	"github.com/park285/chess-arena/internal/domain"
)

func withPGN(rec domain.FinalRecord) domain.FinalRecord {
	if rec.PGN == "" {
		rec.PGN = BuildPGN(rec)
	}
	return rec
}

func resultToPGN(r domain.Result) string {
	switch r {
	case domain.ResultFirstMoverWins:
		return "1-0"
	case domain.ResultSecondMoverWins:
		return "0-1"
	case domain.ResultDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

// BuildPGN renders the record as PGN from its SAN moves.
func BuildPGN(rec domain.FinalRecord) string {
	pgnResult := resultToPGN(rec.Result)
	date := rec.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	var b strings.Builder
	b.WriteString("[Event \"Arena\"]\n")
	b.WriteString("[Site \"chess-arena\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(displayName(rec.First))))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(displayName(rec.Second))))
	if rec.Category != "" {
		b.WriteString(fmt.Sprintf("[TimeControl \"%s\"]\n", sanitizePGN(string(rec.Category))))
	}
	if rec.Reason != domain.ReasonNone {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(string(rec.Reason))))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", pgnResult))

	for i := 0; i < len(rec.MovesSAN); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", i/2+1, strings.TrimSpace(rec.MovesSAN[i])))
		if i+1 < len(rec.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(rec.MovesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(pgnResult)
	return b.String()
}

func displayName(p domain.PlayerRef) string {
	if strings.TrimSpace(p.Name) != "" {
		return p.Name
	}
	return p.ID
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
