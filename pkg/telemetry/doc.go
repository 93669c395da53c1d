// Package telemetry provides logging, tracing, metrics and events for peace
// command executions.
//
// Logging uses zerolog, tracing uses OpenTelemetry (OTLP or stdout
// exporters), metrics are Prometheus collectors on a private registry and
// events are delivered to in-process subscribers, synchronously or through
// a buffered publisher.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	ctx = telemetry.WithExecutionContext(ctx, executionID, "ensure")
//	defer telemetry.EndExecutionContext(ctx, "complete", nil)
//
// Command blocks wrap themselves in WithBlockContext/EndBlockContext and item
// functions run through RecordItemFn, so a single execution produces one
// span tree:
//
//	execution
//	  └─ block StatesDiscoverCmdBlock
//	       ├─ item file_a state_current
//	       └─ item file_b state_current
//
// Loggers carry execution_id, block and item_id fields:
//
//	telemetry.FromContext(ctx).WithItemID("file_a").Warn("stored state is stale")
//
// # Metrics
//
// With metrics enabled the following series are exposed on the configured
// listen address:
//
//   - peace_executions_started_total{command}
//   - peace_executions_completed_total{command,outcome}
//   - peace_execution_duration_seconds{command}
//   - peace_blocks_executed_total{block,outcome}
//   - peace_item_fn_calls_total{fn,status}
//   - peace_errors_by_class_total{class}
//   - peace_errors_by_code_total{code}
//   - peace_states_stale_total{phase}
//   - peace_active_executions
//
// Disabled metrics are no-ops, so callers never check the configuration.
package telemetry
