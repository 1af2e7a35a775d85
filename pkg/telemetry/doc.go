// Package telemetry provides the observability stack of the reconciliation engine.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry), metrics
// (prometheus) and an event publisher:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("transaction")
//	logger.WithTransactionID(id).Info("transaction started")
//
// Every component is safe to use when nil or disabled, so the engine records
// unconditionally and tests can run with Nop().
//
// Metrics exposed, under the configured namespace:
//
//   - transactions_started_total, transactions_completed_total{status}
//   - transaction_duration_seconds{status}
//   - diffs_total{tier,action}
//   - actions_executed_total{tier,status}, action_duration_seconds{tier,action}
//   - reverts_total{tier,status}
//   - dirty_resources, validation_failures_total
//   - errors_by_class_total{class,code}
//   - active_transactions
package telemetry
