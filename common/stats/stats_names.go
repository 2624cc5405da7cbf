package stats

/*
Instrument names, grouped by the component that records them. Components
receive an already-scoped StatsReceiver, so names here are relative.
*/
const (
	/****************************** Engine ***************************************/
	// Per-operation request counters, recorded as requests/<OP>, ex: "requests/SUBMIT".
	EngineRequestsCounter = "requests"

	// Lines rejected with WRONG COMMAND.
	EngineWrongCommandCounter = "wrongCommand"

	// Unsolicited CALLBACK lines emitted by the reconciliation loop.
	EngineCallbacksCounter = "callbacks"

	// Duration of one reconciliation pass over the job registry.
	EngineReconcileLatency_ms = "reconcileLatency_ms"

	// Number of jobs currently tracked.
	EngineLiveJobsGauge = "liveJobs"

	/****************************** Worker pool **********************************/
	PoolWorkersGauge      = "workers"
	PoolQueuedTasksGauge  = "queuedTasks"
	PoolTasksCounter      = "tasks"
	PoolTaskPanicsCounter = "taskPanics"

	/****************************** Registry *************************************/
	RegistryBindingsGauge        = "bindings"
	RegistryConfigReloadsCounter = "configReloads"
	RegistryConfigInvalidCounter = "configInvalid"
	RegistryConnectFailCounter   = "connectFailures"

	/****************************** Drivers **************************************/
	// Latencies recorded per driver call, scoped by lrms kind.
	DriverSubmitLatency_ms = "submitLatency_ms"
	DriverStatusLatency_ms = "statusLatency_ms"
	DriverCancelLatency_ms = "cancelLatency_ms"
	DriverErrorsCounter    = "errors"

	// Credential renewals triggered by an expired proxy.
	DriverCredentialRenewCounter = "credentialRenewals"

	/****************************** Transport ************************************/
	TransportTransfersInFlightGauge = "transfersInFlight"
	TransportCopyLatency_ms         = "copyLatency_ms"
	TransportRunLatency_ms          = "runLatency_ms"
	TransportReconnectsCounter      = "reconnects"
)
