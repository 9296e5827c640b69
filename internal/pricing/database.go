package pricing

import (
	"fmt"

	"github.com/holiman/uint256"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// SaveCollateralParameters upserts the whole record for a collateral token.
func (d *Database) SaveCollateralParameters(record *CollateralParameterRecord) error {
	var existing CollateralParameterRecord
	err := d.db.Where("collateral_token = ?", record.CollateralToken).First(&existing).Error
	switch {
	case err == nil:
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		return d.db.Save(record).Error
	case err == gorm.ErrRecordNotFound:
		return d.db.Create(record).Error
	default:
		return err
	}
}

// ListCollateralParameters returns every persisted parameter record.
func (d *Database) ListCollateralParameters() ([]CollateralParameterRecord, error) {
	var records []CollateralParameterRecord
	if err := d.db.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func toRecord(token string, p *CollateralParameters) *CollateralParameterRecord {
	return &CollateralParameterRecord{
		CollateralToken: token,
		CollateralValue: p.CollateralValue.Dec(),

		UtilizationOffset: p.UtilizationModel.Offset.Dec(),
		UtilizationSlope1: p.UtilizationModel.Slope1.Dec(),
		UtilizationSlope2: p.UtilizationModel.Slope2.Dec(),
		UtilizationTarget: p.UtilizationModel.Target.Dec(),
		UtilizationMax:    p.UtilizationModel.Max.Dec(),

		LoanToValueOffset: p.LoanToValueModel.Offset.Dec(),
		LoanToValueSlope1: p.LoanToValueModel.Slope1.Dec(),
		LoanToValueSlope2: p.LoanToValueModel.Slope2.Dec(),
		LoanToValueTarget: p.LoanToValueModel.Target.Dec(),
		LoanToValueMax:    p.LoanToValueModel.Max.Dec(),

		DurationOffset: p.DurationModel.Offset.Dec(),
		DurationSlope1: p.DurationModel.Slope1.Dec(),
		DurationSlope2: p.DurationModel.Slope2.Dec(),
		DurationTarget: p.DurationModel.Target.Dec(),
		DurationMax:    p.DurationModel.Max.Dec(),

		Weight0: p.Weights[0],
		Weight1: p.Weights[1],
		Weight2: p.Weights[2],
	}
}

func fromRecord(r *CollateralParameterRecord) (*CollateralParameters, string, error) {
	parse := func(field, s string) (*uint256.Int, error) {
		v, err := uint256.FromDecimal(s)
		if err != nil {
			return nil, fmt.Errorf("collateral parameters for %s: bad %s: %w", r.CollateralToken, field, err)
		}
		return v, nil
	}
	model := func(prefix string, offset, slope1, slope2, target, max string) (*PiecewiseLinearModel, error) {
		m := &PiecewiseLinearModel{}
		var err error
		if m.Offset, err = parse(prefix+" offset", offset); err != nil {
			return nil, err
		}
		if m.Slope1, err = parse(prefix+" slope1", slope1); err != nil {
			return nil, err
		}
		if m.Slope2, err = parse(prefix+" slope2", slope2); err != nil {
			return nil, err
		}
		if m.Target, err = parse(prefix+" target", target); err != nil {
			return nil, err
		}
		if m.Max, err = parse(prefix+" max", max); err != nil {
			return nil, err
		}
		return m, nil
	}

	value, err := parse("collateral value", r.CollateralValue)
	if err != nil {
		return nil, "", err
	}
	utilization, err := model("utilization", r.UtilizationOffset, r.UtilizationSlope1, r.UtilizationSlope2, r.UtilizationTarget, r.UtilizationMax)
	if err != nil {
		return nil, "", err
	}
	loanToValue, err := model("loan to value", r.LoanToValueOffset, r.LoanToValueSlope1, r.LoanToValueSlope2, r.LoanToValueTarget, r.LoanToValueMax)
	if err != nil {
		return nil, "", err
	}
	duration, err := model("duration", r.DurationOffset, r.DurationSlope1, r.DurationSlope2, r.DurationTarget, r.DurationMax)
	if err != nil {
		return nil, "", err
	}

	return &CollateralParameters{
		CollateralValue:  value,
		UtilizationModel: utilization,
		LoanToValueModel: loanToValue,
		DurationModel:    duration,
		Weights:          [3]uint64{r.Weight0, r.Weight1, r.Weight2},
	}, r.CollateralToken, nil
}
