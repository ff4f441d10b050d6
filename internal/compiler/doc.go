// Package compiler reads collection rule templates authored in CUE and
// turns them into ir.RuleTemplate values.
//
// Templates live under the top-level "template" field, keyed by id:
//
//	template: padrao: {
//		name: "Régua padrão"
//		scope: type: "portfolio"
//		stages: [
//			{id: "d-7", label: "Lembrete", offset_days: -7, channel: "email", action: "remind"},
//			{id: "d+1", label: "Cobrança", offset_days: 1, channel: "whatsapp", action: "charge",
//				preferred_window: "09:00-18:00"},
//		]
//	}
//
// active defaults to true for templates and stages; scope defaults to
// portfolio. Structural problems (wrong types, missing offsets) are
// CompileErrors. Questionable but usable configuration is reported by
// Validate as warnings and never stops a template from compiling.
package compiler
