package tacobot

import (
	"context"
	"fmt"
	"math/big"
	"strings"
)

// parseMatrix parses rows delimited by '%' with whitespace-separated
// entries into exact rationals. Integers, decimals, and a/b fractions
// are accepted. A non-nil string return is the user-facing parse
// error.
func parseMatrix(expression string) ([][]*big.Rat, string) {
	expression = strings.TrimPrefix(expression, "%")
	expression = strings.TrimSuffix(expression, "%")
	rowStrs := strings.Split(expression, "%")

	rows := make([][]*big.Rat, 0, len(rowStrs))
	for _, rowStr := range rowStrs {
		fields := strings.Fields(rowStr)
		row := make([]*big.Rat, 0, len(fields))
		for _, field := range fields {
			val, ok := new(big.Rat).SetString(field)
			if !ok {
				return nil, "the entries of the matrix must be numeric!"
			}
			row = append(row, val)
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, "the entries of the matrix must be numeric!"
	}
	width := len(rows[0])
	for _, row := range rows[1:] {
		if len(row) != width {
			return nil, "the rows of the matrix must have the same length!"
		}
	}
	return rows, ""
}

// rrefMatrix reduces the matrix to reduced row-echelon form in place
// by Gauss-Jordan elimination. Arithmetic is exact, so there are no
// pivot-tolerance concerns.
func rrefMatrix(rows [][]*big.Rat) [][]*big.Rat {
	numRows := len(rows)
	numCols := len(rows[0])

	pivotRow := 0
	for col := 0; col < numCols && pivotRow < numRows; col++ {
		sel := -1
		for r := pivotRow; r < numRows; r++ {
			if rows[r][col].Sign() != 0 {
				sel = r
				break
			}
		}
		if sel == -1 {
			continue
		}
		rows[pivotRow], rows[sel] = rows[sel], rows[pivotRow]

		inv := new(big.Rat).Inv(rows[pivotRow][col])
		for c := col; c < numCols; c++ {
			rows[pivotRow][c].Mul(rows[pivotRow][c], inv)
		}

		for r := 0; r < numRows; r++ {
			if r == pivotRow || rows[r][col].Sign() == 0 {
				continue
			}
			factor := new(big.Rat).Set(rows[r][col])
			for c := col; c < numCols; c++ {
				scaled := new(big.Rat).Mul(factor, rows[pivotRow][c])
				rows[r][c].Sub(rows[r][c], scaled)
			}
		}
		pivotRow++
	}
	return rows
}

// formatMatrixTable renders a matrix with right-aligned columns:
//
//	[  2,   -5, 3]
//	[4/5,    9, 3]
//	[ -1, -15/2, 0]
func formatMatrixTable(rows [][]*big.Rat) string {
	cells := make([][]string, len(rows))
	widths := make([]int, len(rows[0]))
	for i, row := range rows {
		cells[i] = make([]string, len(row))
		for j, val := range row {
			s := val.RatString()
			cells[i][j] = s
			if len(s) > widths[j] {
				widths[j] = len(s)
			}
		}
	}

	lines := make([]string, len(cells))
	for i, row := range cells {
		padded := make([]string, len(row))
		for j, s := range row {
			padded[j] = strings.Repeat(" ", widths[j]-len(s)) + s
		}
		lines[i] = "[" + strings.Join(padded, ", ") + "]"
	}
	return strings.Join(lines, "\n")
}

const solveSyntaxRules = "> Your expression should have entries separated with spaces and rows delimited with `%`.\n" +
	"> You should have the same number of entries in each row of the represented matrix.\n" +
	"> Example: `%solve 2 -5 3 % 0.8 9 3 % -1 -7.5 0`"

// solveCommand reduces a matrix to reduced row-echelon form.
func solveCommand() *Command {
	return &Command{
		Name:     "solve",
		Aliases:  []string{"rref", "gaussjordan"},
		Category: categoryUtility,
		Help:     "Calculates the rref of the given matrix",
		Usage:    "<matrix>",
		MinArgs:  1,
		Handler: func(_ context.Context, cc *CommandContext) error {
			matrix, parseErr := parseMatrix(cc.ArgsFrom(0))
			if parseErr != "" {
				_, err := cc.Replyf(
					"⚠ **%s**, %s\n%s",
					cc.AuthorName(), parseErr, solveSyntaxRules,
				)
				return err
			}

			inTable := formatMatrixTable(matrix)
			outTable := formatMatrixTable(rrefMatrix(matrix))

			msg, err := cc.Reply(fmt.Sprintf(
				"**%s**, you inputted the matrix:```%s```The reduced row-echelon form of this matrix is:```%s```",
				cc.AuthorName(), inTable, outTable,
			))
			if err != nil {
				return err
			}
			cc.reactRemoveBy(msg, cc.author.ID)
			return nil
		},
	}
}
