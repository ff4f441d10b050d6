package ir

// Configuration warning codes (W201-W299). Warnings never abort compilation.
const (
	WarnNoActiveStages    = "W201" // template produces no events
	WarnDuplicateStageID  = "W202" // later stage with the same id is ignored
	WarnMissingVariable   = "W203" // required variable not present in context labels
	WarnInvalidWindow     = "W204" // preferred window unparseable, any time used
	WarnKindMismatch      = "W205" // declared kind contradicts offset, offset wins
	WarnEmptyStageID      = "W206" // stage id generated from position
	WarnInvalidCondition  = "W207" // condition does not compile, event will be skipped
	WarnInvalidEscalation = "W208" // escalation policy ignored
	WarnUnknownLogPolicy  = "W209" // log policy defaults to standard
)
