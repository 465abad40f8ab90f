package service

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/apperr"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/workbook"
)

// Optional 区分"未提供"和"显式置空"。
// JSON 中缺省字段 Set=false；null 为 Set=true、Value=nil
type Optional[T any] struct {
	Set   bool
	Value *T
}

// Some 显式赋值
func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: &v}
}

// Null 显式置空
func Null[T any]() Optional[T] {
	return Optional[T]{Set: true}
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if o.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*o.Value)
}

func (o Optional[T]) applyTo(dst **T) {
	if !o.Set {
		return
	}
	if o.Value == nil {
		*dst = nil
		return
	}
	v := *o.Value
	*dst = &v
}

// CommercialFields 可覆盖的商务条款，修改、修订和复制共用
type CommercialFields struct {
	MaterialID    Optional[string]          `json:"material_id"`
	PaymentTermID Optional[string]          `json:"payment_term_id"`
	IncotermID    Optional[string]          `json:"incoterm_id"`
	Currency      Optional[string]          `json:"currency"`
	ExchangeRate  Optional[decimal.Decimal] `json:"exchange_rate"`
	PalletTerms   Optional[string]          `json:"pallet_terms"`
	ValidityDays  Optional[int]             `json:"validity_days"`
	Notes         Optional[string]          `json:"notes"`
}

// Validate 校验提供了值的字段
func (f *CommercialFields) Validate() error {
	if v := f.Currency.Value; v != nil && len(strings.TrimSpace(*v)) != 3 {
		return apperr.Newf(apperr.CodeArgumentInvalid, "currency must be a 3-letter code, got %q", *v).
			WithMeta("field", "currency")
	}
	if v := f.ExchangeRate.Value; v != nil && !v.IsPositive() {
		return apperr.New(apperr.CodeArgumentInvalid, "exchange_rate must be positive").
			WithMeta("field", "exchange_rate")
	}
	if v := f.ValidityDays.Value; v != nil && *v < 0 {
		return apperr.New(apperr.CodeArgumentInvalid, "validity_days must not be negative").
			WithMeta("field", "validity_days")
	}
	return nil
}

// ApplyTo 把提供了的字段写入报价，未提供的保持不变
func (f *CommercialFields) ApplyTo(q *entity.Quote) {
	f.MaterialID.applyTo(&q.MaterialID)
	f.PaymentTermID.applyTo(&q.PaymentTermID)
	f.IncotermID.applyTo(&q.IncotermID)
	if f.Currency.Set && f.Currency.Value != nil {
		f.Currency = Some(strings.ToUpper(strings.TrimSpace(*f.Currency.Value)))
	}
	f.Currency.applyTo(&q.Currency)
	if f.ExchangeRate.Set {
		if f.ExchangeRate.Value == nil {
			q.ExchangeRate = decimal.NullDecimal{}
		} else {
			q.ExchangeRate = decimal.NewNullDecimal(*f.ExchangeRate.Value)
		}
	}
	f.PalletTerms.applyTo(&q.PalletTerms)
	f.ValidityDays.applyTo(&q.ValidityDays)
	f.Notes.applyTo(&q.Notes)
}

// commercialColumns 报价商务字段对应的更新列
func commercialColumns(q *entity.Quote) map[string]interface{} {
	return map[string]interface{}{
		"material_id":     q.MaterialID,
		"payment_term_id": q.PaymentTermID,
		"incoterm_id":     q.IncotermID,
		"currency":        q.Currency,
		"exchange_rate":   q.ExchangeRate,
		"pallet_terms":    q.PalletTerms,
		"validity_days":   q.ValidityDays,
		"notes":           q.Notes,
	}
}

// seedFromClient 用客户默认条款初始化新报价
func seedFromClient(q *entity.Quote, c *entity.Client) {
	q.CopyCommercialFrom(&entity.Quote{
		Currency:      c.DefaultCurrency,
		ExchangeRate:  c.DefaultExchangeRate,
		PaymentTermID: c.DefaultPaymentTermID,
		IncotermID:    c.DefaultIncotermID,
		PalletTerms:   c.DefaultPalletTerms,
		ValidityDays:  c.DefaultValidityDays,
	})
}

// ItemInput 明细输入
type ItemInput struct {
	Position      int             `json:"position"`
	Description   string          `json:"description"`
	Length        float64         `json:"length"`
	Width         float64         `json:"width"`
	Thickness     float64         `json:"thickness"`
	Quantity      float64         `json:"quantity"`
	NetArea       float64         `json:"net_area"`
	GrossArea     float64         `json:"gross_area"`
	Weight        float64         `json:"weight"`
	InternalCost  decimal.Decimal `json:"internal_cost"`
	ExternalPrice decimal.Decimal `json:"external_price"`
}

func itemsFromInputs(in []ItemInput) ([]entity.QuoteItem, error) {
	items := make([]entity.QuoteItem, 0, len(in))
	for i, it := range in {
		if it.Length < 0 || it.Width < 0 || it.Thickness < 0 || it.Quantity < 0 {
			return nil, apperr.Newf(apperr.CodeArgumentInvalid, "item %d has a negative dimension or quantity", i+1).
				WithMeta("index", i)
		}
		pos := it.Position
		if pos <= 0 {
			pos = i + 1
		}
		items = append(items, entity.QuoteItem{
			Position:      pos,
			Description:   strings.TrimSpace(it.Description),
			Length:        it.Length,
			Width:         it.Width,
			Thickness:     it.Thickness,
			Quantity:      it.Quantity,
			NetArea:       it.NetArea,
			GrossArea:     it.GrossArea,
			Weight:        it.Weight,
			InternalCost:  it.InternalCost,
			ExternalPrice: it.ExternalPrice,
		})
	}
	return items, nil
}

func itemsFromRows(rows []workbook.Row) []entity.QuoteItem {
	items := make([]entity.QuoteItem, 0, len(rows))
	for i, r := range rows {
		pos := r.Position
		if pos <= 0 {
			pos = i + 1
		}
		items = append(items, entity.QuoteItem{
			Position:      pos,
			Description:   r.Description,
			Length:        r.Length,
			Width:         r.Width,
			Thickness:     r.Thickness,
			Quantity:      r.Quantity,
			NetArea:       r.NetArea,
			GrossArea:     r.GrossArea,
			Weight:        r.Weight,
			InternalCost:  r.InternalCost,
			ExternalPrice: r.ExternalPrice,
		})
	}
	return items
}

// RowsFromItems 明细转工作簿行
func RowsFromItems(items []entity.QuoteItem) []workbook.Row {
	rows := make([]workbook.Row, 0, len(items))
	for _, it := range items {
		rows = append(rows, workbook.Row{
			Position:      it.Position,
			Description:   it.Description,
			Length:        it.Length,
			Width:         it.Width,
			Thickness:     it.Thickness,
			Quantity:      it.Quantity,
			NetArea:       it.NetArea,
			GrossArea:     it.GrossArea,
			Weight:        it.Weight,
			InternalCost:  it.InternalCost,
			ExternalPrice: it.ExternalPrice,
		})
	}
	return rows
}
