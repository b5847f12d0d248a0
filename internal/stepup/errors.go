package stepup

import "errors"

var (
	ErrPromptBusy      = errors.New("stepup: a verification prompt is already open")
	ErrNoPrompt        = errors.New("stepup: no verification prompt is open")
	ErrPromptMismatch  = errors.New("stepup: prompt id does not match the open prompt")
	ErrPromptAnswered  = errors.New("stepup: prompt already answered")
	ErrPromptDismissed = errors.New("stepup: verification prompt dismissed")
	ErrEmptyCode       = errors.New("stepup: one-time code or backup code is required")
	ErrNoSessionToken  = errors.New("stepup: verification returned no session token")
	ErrUnknownVerdict  = errors.New("stepup: unknown step-up verdict")
	ErrEnrollRequired  = errors.New("stepup: security enrollment is required")
)
