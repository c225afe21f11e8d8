// Package athenaq runs Athena queries and waits for them to finish.
package athenaq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/darktracer/darktracer/internal/faults"
)

var (
	ErrQueryFailed    = errors.New("query failed")
	ErrQueryCancelled = errors.New("query cancelled")

	errPending = errors.New("query still running")
)

type API interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, params *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
}

// Policy bounds how a query is polled.
type Policy struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{PollInterval: time.Second, Timeout: 300 * time.Second}
}

type Runner struct {
	Client         API
	Database       string
	OutputLocation string
	Policy         Policy
}

// Start submits query and returns its execution id.
func (r *Runner) Start(ctx context.Context, query string) (string, error) {
	out, err := r.Client.StartQueryExecution(ctx, &athena.StartQueryExecutionInput{
		QueryString:           aws.String(query),
		QueryExecutionContext: &types.QueryExecutionContext{Database: aws.String(r.Database)},
		ResultConfiguration:   &types.ResultConfiguration{OutputLocation: aws.String(r.OutputLocation)},
	})
	if err != nil {
		return "", faults.Upstream("athena start query", err)
	}
	return aws.ToString(out.QueryExecutionId), nil
}

// Wait polls the execution until it leaves the queued and running states.
func (r *Runner) Wait(ctx context.Context, id string) error {
	p := r.Policy
	if p.PollInterval <= 0 || p.Timeout <= 0 {
		p = DefaultPolicy()
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		out, err := r.Client.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{QueryExecutionId: aws.String(id)})
		if err != nil {
			return struct{}{}, backoff.Permanent(faults.Upstream("athena get query", err))
		}
		// no status yet counts as still queued
		if out.QueryExecution == nil || out.QueryExecution.Status == nil {
			return struct{}{}, errPending
		}
		st := out.QueryExecution.Status
		switch st.State {
		case types.QueryExecutionStateSucceeded:
			return struct{}{}, nil
		case types.QueryExecutionStateFailed:
			reason := aws.ToString(st.StateChangeReason)
			if reason == "" {
				reason = "no reason provided"
			}
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %s", ErrQueryFailed, reason))
		case types.QueryExecutionStateCancelled:
			return struct{}{}, backoff.Permanent(ErrQueryCancelled)
		}
		return struct{}{}, errPending
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.PollInterval)),
		backoff.WithMaxElapsedTime(p.Timeout),
	)
	if errors.Is(err, errPending) {
		return faults.Timeout("query %s exceeded %s", id, p.Timeout)
	}
	return err
}

// Rows fetches the result rows, the column-name row included.
func (r *Runner) Rows(ctx context.Context, id string) ([][]string, error) {
	var rows [][]string
	p := athena.NewGetQueryResultsPaginator(r.Client, &athena.GetQueryResultsInput{QueryExecutionId: aws.String(id)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, faults.Upstream("athena get results", err)
		}
		if page.ResultSet == nil {
			continue
		}
		for _, row := range page.ResultSet.Rows {
			cells := make([]string, len(row.Data))
			for i, d := range row.Data {
				cells[i] = aws.ToString(d.VarCharValue)
			}
			rows = append(rows, cells)
		}
	}
	return rows, nil
}

// Run starts query and waits for it.
func (r *Runner) Run(ctx context.Context, query string) (string, error) {
	id, err := r.Start(ctx, query)
	if err != nil {
		return "", err
	}
	log.Debug().Str("query_id", id).Msg("athena query started")
	if err := r.Wait(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// Count returns SELECT COUNT(*) of table.
func (r *Runner) Count(ctx context.Context, table string) (int64, error) {
	id, err := r.Run(ctx, "SELECT COUNT(*) AS total FROM "+table)
	if err != nil {
		return 0, err
	}
	rows, err := r.Rows(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(rows) < 2 || len(rows[1]) == 0 {
		return 0, faults.Invalid("count query %s returned no data row", id)
	}
	n, err := strconv.ParseInt(rows[1][0], 10, 64)
	if err != nil {
		return 0, faults.Invalid("count query %s: %v", id, err)
	}
	return n, nil
}

// UnloadQuery exports the flattened event columns of table to target as
// header-less CSV.
func UnloadQuery(table, target string) string {
	var b strings.Builder
	b.WriteString("UNLOAD (\n    SELECT\n")
	b.WriteString("        CAST(utc_time AS VARCHAR) AS utc_time,\n")
	b.WriteString("        src_host,\n")
	b.WriteString("        CAST(src_port AS VARCHAR) AS src_port,\n")
	b.WriteString("        dst_host,\n")
	b.WriteString("        CAST(dst_port AS VARCHAR) AS dst_port,\n")
	b.WriteString("        CAST(logtype AS VARCHAR) AS logtype,\n")
	b.WriteString("        node_id,\n")
	b.WriteString("        username,\n")
	b.WriteString("        password\n")
	fmt.Fprintf(&b, "    FROM %s\n)\nTO '%s'\nWITH (format = 'CSV')", table, target)
	return b.String()
}
