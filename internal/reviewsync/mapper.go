package reviewsync

import (
	"time"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

// Notion property names of the review database.
const (
	propDescription   = "Description"
	propTransactionID = "Transaction ID"
	propMerchantKey   = "Merchant Key"
	propDate          = "Date"
	propAmount        = "Amount"
	propCategory      = "Suggested Category"
	propConfidence    = "Confidence"
	propSource        = "Source"
	propReason        = "Reason"
	propBankCategory  = "Bank Category"
)

// Item pairs a transaction with its categorization result.
type Item struct {
	Transaction domain.Transaction
	Result      domain.CategorizationResult
}

func richText(content string) []notionapi.RichText {
	return []notionapi.RichText{
		{
			Type: notionapi.ObjectTypeText,
			Text: &notionapi.Text{Content: content},
		},
	}
}

// ReviewToNotionProperties converts a review item to Notion page properties.
func ReviewToNotionProperties(item Item) notionapi.Properties {
	tx, res := item.Transaction, item.Result

	amount, _ := tx.Amount.Major().Float64()
	props := notionapi.Properties{
		propDescription: notionapi.TitleProperty{
			Title: richText(tx.Description),
		},
		propTransactionID: notionapi.RichTextProperty{
			RichText: richText(tx.ID),
		},
		propMerchantKey: notionapi.RichTextProperty{
			RichText: richText(res.MerchantKey.String()),
		},
		propAmount: notionapi.NumberProperty{
			Number: amount,
		},
		propCategory: notionapi.SelectProperty{
			Select: notionapi.Option{Name: string(res.Category)},
		},
		propConfidence: notionapi.NumberProperty{
			Number: res.Confidence,
		},
		propSource: notionapi.SelectProperty{
			Select: notionapi.Option{Name: string(res.Source)},
		},
	}

	if !tx.Date.IsZero() {
		props[propDate] = notionapi.DateProperty{
			Date: &notionapi.DateObject{
				Start: func() *notionapi.Date {
					d := notionapi.Date(time.Date(tx.Date.Year(), tx.Date.Month(), tx.Date.Day(), 0, 0, 0, 0, time.UTC))
					return &d
				}(),
			},
		}
	}

	if res.Reason != "" {
		props[propReason] = notionapi.RichTextProperty{
			RichText: richText(res.Reason),
		}
	}

	if tx.RawBankCategory != "" {
		props[propBankCategory] = notionapi.RichTextProperty{
			RichText: richText(tx.RawBankCategory),
		}
	}

	return props
}

// extractTransactionID reads the transaction id from a queried page.
func extractTransactionID(page notionapi.Page) string {
	if prop, ok := page.Properties[propTransactionID]; ok {
		if rt, ok := prop.(*notionapi.RichTextProperty); ok && len(rt.RichText) > 0 {
			return rt.RichText[0].PlainText
		}
	}
	return ""
}
