package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/dkotl/peerchess/internal/match"
	"github.com/dkotl/peerchess/internal/obslog"
)

// Archive persists completed games to Postgres. It is strictly
// write-behind: the match never blocks on it, and an archive failure
// never affects the authoritative record.
type Archive struct {
	db *sql.DB
}

func NewArchive(databaseURL string) (*Archive, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// SaveCompleted upserts the final game row. Keyed on match id so a
// retried completion event overwrites rather than duplicates.
func (a *Archive) SaveCompleted(ctx context.Context, ev match.CompletedEvent) error {
	if a == nil || a.db == nil || ev.Record == nil {
		return nil
	}
	rec := ev.Record
	pgnResult := mapResultToPGN(ev.Result)
	pgn := buildPGN(rec, pgnResult, string(ev.Reason))

	movesUCIRaw, _ := json.Marshal(rec.MoveHistory())
	movesSANRaw, _ := json.Marshal(sanHistory(rec))

	var whiteID, whiteName, blackID, blackName string
	if rec.Match.White != nil {
		whiteID, whiteName = rec.Match.White.PlayerID, playerName(rec.Match.White)
	}
	if rec.Match.Black != nil {
		blackID, blackName = rec.Match.Black.PlayerID, playerName(rec.Match.Black)
	}
	duration := int64(0)
	if !rec.Match.StartedAt.IsZero() && !rec.Match.EndedAt.IsZero() {
		duration = rec.Match.EndedAt.Sub(rec.Match.StartedAt).Milliseconds()
	}
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO completed_games (
        match_id, white_id, white_name, black_id, black_name,
        time_control, result, result_reason,
        moves_uci, moves_san, pgn, final_fen,
        started_at, ended_at, duration_ms
      ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
      ) ON CONFLICT (match_id) DO UPDATE SET
        white_id=EXCLUDED.white_id,
        white_name=EXCLUDED.white_name,
        black_id=EXCLUDED.black_id,
        black_name=EXCLUDED.black_name,
        time_control=EXCLUDED.time_control,
        result=EXCLUDED.result,
        result_reason=EXCLUDED.result_reason,
        moves_uci=EXCLUDED.moves_uci,
        moves_san=EXCLUDED.moves_san,
        pgn=EXCLUDED.pgn,
        final_fen=EXCLUDED.final_fen,
        started_at=EXCLUDED.started_at,
        ended_at=EXCLUDED.ended_at,
        duration_ms=EXCLUDED.duration_ms`

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, q,
		ev.MatchID,
		whiteID, whiteName,
		blackID, blackName,
		rec.Match.TimeControl.Name,
		string(ev.Result), string(ev.Reason),
		string(movesUCIRaw), string(movesSANRaw), pgn, rec.Position.FEN,
		rec.Match.StartedAt, rec.Match.EndedAt, duration,
	); err != nil {
		obslog.L().Error("archive_save_error", zap.String("match_id", ev.MatchID), zap.Error(err))
		return err
	}
	if err := bumpProfiles(ctx, tx, rec, ev.Result); err != nil {
		obslog.L().Error("archive_profile_error", zap.String("match_id", ev.MatchID), zap.Error(err))
		return err
	}
	return tx.Commit()
}

// bumpProfiles updates per-account win/loss/draw tallies. Seats
// without an account id are anonymous and skipped. Rating is not
// touched here.
func bumpProfiles(ctx context.Context, tx *sql.Tx, rec *match.Record, result match.Result) error {
	q := `INSERT INTO account_profiles (account_id, wins, losses, draws)
      VALUES ($1,$2,$3,$4)
      ON CONFLICT (account_id) DO UPDATE SET
        wins=account_profiles.wins+EXCLUDED.wins,
        losses=account_profiles.losses+EXCLUDED.losses,
        draws=account_profiles.draws+EXCLUDED.draws`
	for _, side := range []struct {
		ref *match.PlayerRef
		win match.Result
	}{
		{rec.Match.White, match.ResultWhite},
		{rec.Match.Black, match.ResultBlack},
	} {
		if side.ref == nil || side.ref.AccountID == "" {
			continue
		}
		wins, losses, draws := 0, 0, 0
		switch result {
		case side.win:
			wins = 1
		case match.ResultDraw:
			draws = 1
		default:
			losses = 1
		}
		if _, err := tx.ExecContext(ctx, q, side.ref.AccountID, wins, losses, draws); err != nil {
			return err
		}
	}
	return nil
}

func playerName(p *match.PlayerRef) string {
	if p.AccountID != "" {
		return p.AccountID
	}
	return p.PlayerID
}

func sanHistory(rec *match.Record) []string {
	out := make([]string, 0, len(rec.Moves))
	for _, mv := range rec.Moves {
		out = append(out, mv.SAN)
	}
	return out
}

func mapResultToPGN(result match.Result) string {
	switch result {
	case match.ResultWhite:
		return "1-0"
	case match.ResultBlack:
		return "0-1"
	case match.ResultDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

func buildPGN(rec *match.Record, pgnResult, termination string) string {
	if rec == nil {
		return ""
	}
	var b strings.Builder
	date := rec.Match.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	b.WriteString("[Event \"PeerChess\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	white, black := "?", "?"
	if rec.Match.White != nil {
		white = playerName(rec.Match.White)
	}
	if rec.Match.Black != nil {
		black = playerName(rec.Match.Black)
	}
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(white)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(black)))
	if rec.Match.TimeControl.Name != "" {
		b.WriteString(fmt.Sprintf("[TimeControl \"%s\"]\n", sanitizePGN(rec.Match.TimeControl.Name)))
	}
	if strings.TrimSpace(termination) != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(termination)))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", pgnResult))

	sans := sanHistory(rec)
	for i := 0; i < len(sans); i += 2 {
		turn := (i / 2) + 1
		b.WriteString(fmt.Sprintf("%d. %s", turn, strings.TrimSpace(sans[i])))
		if i+1 < len(sans) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(sans[i+1]))
		}
		b.WriteString(" ")
	}
	if pgnResult != "" {
		b.WriteString(pgnResult)
	}
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
