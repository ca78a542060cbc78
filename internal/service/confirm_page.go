package service

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/mmynk/tillsafe/internal/models"
	"github.com/mmynk/tillsafe/internal/reconcile"
)

var confirmPage = template.Must(template.New("confirm").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Confirm delivery</title></head>
<body>
{{if .Error}}
<p>{{.Error}}</p>
{{else if .Released}}
<p>Thank you, {{.Tx.BuyerName}}. Payment of KES {{.Tx.AmountPaid.StringFixed 2}} for {{.Tx.ProductName}} has been released to the seller.</p>
{{else}}
<p>{{.Tx.BuyerName}}, KES {{.Tx.AmountPaid.StringFixed 2}} for {{.Tx.ProductName}} is held in escrow.</p>
<form method="post" action="/confirm">
<input type="hidden" name="id" value="{{.Tx.ID}}">
<input type="hidden" name="token" value="{{.Token}}">
<button type="submit">I have received my order</button>
</form>
{{end}}
</body>
</html>
`))

type confirmView struct {
	Tx       *models.Transaction
	Token    string
	Released bool
	Error    string
}

// ConfirmPage serves the link sent in confirm-delivery emails. GET shows the
// held payment with a confirmation button; POST releases it.
func ConfirmPage(engine *reconcile.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			renderConfirm(w, logger, http.StatusBadRequest, confirmView{Error: "Invalid request."})
			return
		}
		id, tok := r.Form.Get("id"), r.Form.Get("token")

		switch r.Method {
		case http.MethodGet:
			if err := engine.VerifyToken(id, tok); err != nil {
				renderConfirm(w, logger, http.StatusForbidden, confirmView{Error: "This link is not valid."})
				return
			}
			tx, err := engine.GetTransaction(r.Context(), id)
			if err != nil {
				renderConfirm(w, logger, confirmStatus(err), confirmView{Error: "This payment could not be loaded."})
				return
			}
			renderConfirm(w, logger, http.StatusOK, confirmView{
				Tx:       tx,
				Token:    tok,
				Released: tx.Status == models.StatusReleased,
			})

		case http.MethodPost:
			tx, err := engine.ConfirmDelivery(r.Context(), id, tok)
			if err != nil {
				msg := "This payment cannot be released yet."
				if errors.Is(err, models.ErrSecurity) {
					msg = "This link is not valid."
				}
				renderConfirm(w, logger, confirmStatus(err), confirmView{Error: msg})
				return
			}
			renderConfirm(w, logger, http.StatusOK, confirmView{Tx: tx, Released: true})

		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func confirmStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrSecurity):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

func renderConfirm(w http.ResponseWriter, logger *slog.Logger, status int, view confirmView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := confirmPage.Execute(w, view); err != nil {
		logger.Error("Failed to render confirm page", "error", err)
	}
}
