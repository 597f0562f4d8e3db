package engine

import (
	"log"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"lattice-backend/internal/catalog"
)

// applyComputed evaluates non-persisted expression fields against each row
// after a read. Expressions see the row's columns as variables. A field that
// fails to compile or evaluate comes back null; computed fields never fail a
// read.
func applyComputed(fields catalog.FieldSet, rows []map[string]any) {
	computed := fields.Computed()
	if len(computed) == 0 || len(rows) == 0 {
		return
	}

	programs := make(map[string]*vm.Program, len(computed))
	for _, f := range computed {
		prog, err := expr.Compile(f.Expression, expr.AllowUndefinedVariables())
		if err != nil {
			log.Printf("WARN computed field %s: compile: %v", f.PhysicalName, err)
			continue
		}
		programs[f.PhysicalName] = prog
	}

	for _, row := range rows {
		for _, f := range computed {
			prog, ok := programs[f.PhysicalName]
			if !ok {
				row[f.PhysicalName] = nil
				continue
			}
			out, err := expr.Run(prog, map[string]any(row))
			if err != nil {
				row[f.PhysicalName] = nil
				continue
			}
			row[f.PhysicalName] = out
		}
	}
}
