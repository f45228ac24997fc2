// Command credits inspects or adjusts a user's credit balance from the
// operator's shell. Adjustments are deltas, so concurrent debits from the
// enqueue path are never overwritten.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/infra"
	"server/internal/sqlinline"
)

func main() {
	var (
		idFlag     string
		emailFlag  string
		adjustFlag int
	)

	flag.StringVar(&idFlag, "id", "", "user ID (UUID)")
	flag.StringVar(&emailFlag, "email", "", "user email")
	flag.IntVar(&adjustFlag, "adjust", 0, "credit delta to apply (0 only prints the balance)")
	flag.Parse()

	userID := strings.TrimSpace(idFlag)
	email := strings.TrimSpace(emailFlag)
	if userID == "" && email == "" {
		exitWithError(errors.New("either -id or -email must be provided"))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "credits").Logger()
	runner := infra.NewSQLRunner(pool, logger)

	if userID == "" {
		lookupCtx, cancelLookup := context.WithTimeout(context.Background(), 5*time.Second)
		row := runner.QueryRow(lookupCtx, sqlinline.QSelectUserByEmail, email)
		var (
			foundEmail, plan     string
			credits              int
			createdAt, updatedAt time.Time
		)
		err := row.Scan(&userID, &foundEmail, &credits, &plan, &createdAt, &updatedAt)
		cancelLookup()
		if err != nil {
			exitWithError(fmt.Errorf("failed to load user: %w", err))
		}
	}

	if adjustFlag == 0 {
		readCtx, cancelRead := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelRead()
		var credits int
		if err := runner.QueryRow(readCtx, sqlinline.QSelectUserCredits, userID).Scan(&credits); err != nil {
			exitWithError(fmt.Errorf("failed to load credits: %w", err))
		}
		fmt.Printf("User %s has %d credits\n", userID, credits)
		return
	}

	updateCtx, cancelUpdate := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelUpdate()
	var credits int
	if err := runner.QueryRow(updateCtx, sqlinline.QAdjustUserCredits, userID, adjustFlag).Scan(&credits); err != nil {
		exitWithError(fmt.Errorf("failed to adjust credits: %w", err))
	}
	fmt.Printf("User %s adjusted by %+d, balance is now %d credits\n", userID, adjustFlag, credits)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
