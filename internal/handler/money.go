package handler

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/mmeshcher/grocery-console/internal/model"
)

// moneyCodec переводит десятичные суммы API в минимальные единицы валюты и обратно.
type moneyCodec struct {
	unit  currency.Unit
	scale int32
}

func newMoneyCodec(unit currency.Unit) moneyCodec {
	scale, _ := currency.Standard.Rounding(unit)
	return moneyCodec{unit: unit, scale: int32(scale)}
}

// parse разбирает сумму вида "12.34". Дробная часть длиннее точности валюты отклоняется.
func (c moneyCodec) parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", model.ErrValidation, s)
	}

	minor := d.Shift(c.scale)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: amount %q has more than %d decimal places for %s",
			model.ErrValidation, s, c.scale, c.unit)
	}
	if !minor.Abs().LessThanOrEqual(decimal.NewFromInt(model.MaxAmount)) {
		return 0, fmt.Errorf("%w: amount %q is out of range", model.ErrValidation, s)
	}

	return minor.IntPart(), nil
}

// parseOptional разбирает необязательную сумму; пустая строка даёт ноль.
func (c moneyCodec) parseOptional(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return c.parse(s)
}

func (c moneyCodec) parsePtr(s *string) (*int64, error) {
	if s == nil {
		return nil, nil
	}
	v, err := c.parse(*s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (c moneyCodec) format(minor int64) string {
	return decimal.New(minor, -c.scale).StringFixed(c.scale)
}

func (c moneyCodec) formatPtr(minor *int64) *string {
	if minor == nil {
		return nil
	}
	s := c.format(*minor)
	return &s
}
