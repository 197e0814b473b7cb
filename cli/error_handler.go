package cli

import (
	stderrors "errors"
	"fmt"
	"io"

	"github.com/grovetools/daas/errors"
)

// ErrorHandler turns errors into messages that say what to do next.
type ErrorHandler struct {
	Verbose bool
	Out     io.Writer
}

// NewErrorHandler creates an error handler writing to out.
func NewErrorHandler(verbose bool, out io.Writer) *ErrorHandler {
	return &ErrorHandler{
		Verbose: verbose,
		Out:     out,
	}
}

// Handle prints err with a hint for known error codes and returns it.
func (h *ErrorHandler) Handle(err error) error {
	if err == nil {
		return nil
	}
	styles := NewStyles(h.Out)
	fmt.Fprintf(h.Out, "%s %s\n", styles.Error.Render("Error:"), message(err))
	if hint := hintFor(err); hint != "" {
		fmt.Fprintln(h.Out, styles.Muted.Render(hint))
	}

	var daasErr *errors.DaasError
	if h.Verbose && stderrors.As(err, &daasErr) {
		fmt.Fprintf(h.Out, "\nError details:\n%s\n", daasErr.ToJSON())
	}
	return err
}

func message(err error) string {
	var daasErr *errors.DaasError
	if stderrors.As(err, &daasErr) {
		return daasErr.Message
	}
	return err.Error()
}

func detail(err error, key string) interface{} {
	var daasErr *errors.DaasError
	if stderrors.As(err, &daasErr) && daasErr.Details != nil {
		return daasErr.Details[key]
	}
	return nil
}

func hintFor(err error) string {
	switch errors.GetCode(err) {
	case errors.ErrCodeConfigNotFound:
		return "Create a daas.yml or pass one with --config."
	case errors.ErrCodeConfigInvalid, errors.ErrCodeConfigValidation:
		return "Check the file with 'daas config validate'."
	case errors.ErrCodeSessionAlreadyActive:
		return fmt.Sprintf("Wait for session %v to finish or run 'daas complete --force'.", detail(err, "sessionId"))
	case errors.ErrCodeNoInstances:
		return "Pass the target instances with --instances."
	case errors.ErrCodeToolNotSpecified, errors.ErrCodeUnknownTool:
		return "Run 'daas tools' to see the available diagnostic tools."
	case errors.ErrCodeStorageNotConfigured:
		return "Set storage.blob_sas_uri in daas.yml or DAAS_STORAGE_SASURI."
	case errors.ErrCodeUnsupportedComputeMode:
		return "Sessions can only run on dedicated compute."
	case errors.ErrCodeDailyLimitExceeded, errors.ErrCodeWindowLimitExceeded:
		return "Automated submissions are rate limited; try again later or submit manually."
	case errors.ErrCodeSessionNotFound:
		return "Run 'daas list' to see existing sessions; only completed sessions can be deleted."
	case errors.ErrCodeRunnerAlreadyRunning:
		return "Stop it first with 'daas runner stop'."
	}
	return ""
}
