package errors

type ExitCode int

const (
	SuccessExitCode ExitCode = 0

	// Flag parsing, logging or configuration setup failed before serving.
	StartupFailureExitCode ExitCode = 70

	// stdin closed without a FINALIZE request.
	InputClosedExitCode ExitCode = 80

	// Reading the request stream failed.
	InputErrorExitCode ExitCode = 81

	// SIGINT or SIGTERM received.
	InterruptedExitCode ExitCode = 90
)
