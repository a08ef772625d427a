package pipeline_test

import (
	"testing"

	"github.com/m-mizutani/burrow/pkg/usecase/pipeline"
	"github.com/m-mizutani/gt"
)

func TestNormalizePhoneNumbers(t *testing.T) {
	out, _ := pipeline.NormalizeContent("call me at +91 98765 43210 tomorrow")
	gt.S(t, out).Contains("<phone>")
	gt.S(t, out).NotContains("98765")

	out, _ = pipeline.NormalizeContent("my number is 080-1234-5678")
	gt.S(t, out).Contains("<phone>")
}

func TestNormalizeShortNumbersAreNotPhones(t *testing.T) {
	out, _ := pipeline.NormalizeContent("meeting at 10:30 in room 204")
	gt.S(t, out).NotContains("<phone>")
}

func TestNormalizeCurrency(t *testing.T) {
	out, values := pipeline.NormalizeContent("they quoted Rs 1,500 for the repair")
	gt.S(t, out).Contains("<amount>")
	gt.S(t, out).NotContains("1,500")

	gt.A(t, values).Longer(0)
	gt.Equal(t, values[0].Value, 1500.0)
	gt.Equal(t, values[0].Unit, "currency")
	gt.Equal(t, values[0].Confidence, "medium")

	out, _ = pipeline.NormalizeContent("it costs $12.50 per seat")
	gt.S(t, out).Contains("<amount>")
}

func TestNormalizeExtractsNumericFacts(t *testing.T) {
	_, values := pipeline.NormalizeContent("inflation hit 7.2% and the city grew by 2 million")

	gt.A(t, values).Longer(1)

	var units []string
	for _, v := range values {
		units = append(units, v.Unit)
	}
	gt.A(t, units).Has("%")
	gt.A(t, units).Has("million")
}

func TestNormalizePlainTextUntouched(t *testing.T) {
	text := "no numbers here, just words"
	out, values := pipeline.NormalizeContent(text)
	gt.Equal(t, out, text)
	gt.A(t, values).Length(0)
}

func TestNormalizeEmpty(t *testing.T) {
	out, values := pipeline.NormalizeContent("")
	gt.Equal(t, out, "")
	gt.A(t, values).Length(0)
}

func TestNormalizeIsPure(t *testing.T) {
	text := "price was Rs 200 and 15% off"
	out1, v1 := pipeline.NormalizeContent(text)
	out2, v2 := pipeline.NormalizeContent(text)
	gt.Equal(t, out1, out2)
	gt.Equal(t, v1, v2)
}
