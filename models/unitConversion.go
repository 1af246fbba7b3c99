package models

import (
	"github.com/mmdatafocus/retailpos_backend/utils"
)

// ToPieces converts a sale quantity to base-unit pieces.
//
// This is the single source of truth for unit semantics: every component that
// compares "needed" against "available" must go through it. All quantities
// are integral; no rounding is ever applied.
func ToPieces(qty int64, unit SaleUnit, piecesPerPack int64, packsPerBox int64) (int64, error) {
	if qty < 0 {
		return 0, utils.NewValidationError("qty", "must not be negative")
	}
	if piecesPerPack <= 0 {
		return 0, utils.NewValidationError("pieces_per_pack", "must be positive")
	}
	if packsPerBox <= 0 {
		return 0, utils.NewValidationError("packs_per_box", "must be positive")
	}

	switch unit {
	case SaleUnitPiece:
		return qty, nil
	case SaleUnitPack:
		return qty * piecesPerPack, nil
	case SaleUnitBox:
		return qty * piecesPerPack * packsPerBox, nil
	default:
		return 0, utils.NewValidationError("unit", "invalid sale unit")
	}
}

// FromPieces converts pieces back to whole sale units, flooring the result.
// Used to report availability in the unit the customer ordered in.
func FromPieces(pieces int64, unit SaleUnit, piecesPerPack int64, packsPerBox int64) (int64, error) {
	if pieces < 0 {
		pieces = 0
	}
	perUnit, err := ToPieces(1, unit, piecesPerPack, packsPerBox)
	if err != nil {
		return 0, err
	}
	return pieces / perUnit, nil
}

// DecomposePieces splits a piece total greedily, largest unit first:
// boxes, then packs, then loose pieces. The parts always recompose to total.
func DecomposePieces(total int64, piecesPerPack int64, packsPerBox int64) (boxes int64, packs int64, pieces int64) {
	if total < 0 {
		return 0, 0, 0
	}
	piecesPerBox := piecesPerPack * packsPerBox
	boxes = total / piecesPerBox
	rem := total % piecesPerBox
	packs = rem / piecesPerPack
	pieces = rem % piecesPerPack
	return boxes, packs, pieces
}
