package campaign

import (
	"strings"

	"github.com/LeventeLantos/bingo-registry/internal/model"
)

// Placeholders understood by Personalize.
const (
	TokenFirstName      = "{firstName}"
	TokenLastName       = "{lastName}"
	TokenFullName       = "{fullName}"
	TokenPhone          = "{phone}"
	TokenNeighborhood   = "{barrio}"
	TokenCanton         = "{canton}"
	TokenProvince       = "{provincia}"
	TokenTableCode      = "{tableCode}"
	TokenTableDelivered = "{tablaEntregado}"
	TokenOCRValidated   = "{ocrValidated}"
)

// Personalize fills the template placeholders with the recipient's data.
// Missing values become an empty string or a fixed label; it never fails.
func Personalize(template string, r model.Recipient) string {
	first, last := str(r.FirstName), str(r.LastName)

	tableCode := "Sin tabla"
	if r.TableCode != nil && *r.TableCode != "" {
		tableCode = *r.TableCode
	}
	delivered := "No entregada"
	if r.TableDelivered != nil && *r.TableDelivered {
		delivered = "Entregada"
	}
	validated := "Sin validar"
	if r.OCRValidated != nil && *r.OCRValidated {
		validated = "Validada"
	}

	return strings.NewReplacer(
		TokenFirstName, first,
		TokenLastName, last,
		TokenFullName, strings.TrimSpace(first+" "+last),
		TokenPhone, r.Phone,
		TokenNeighborhood, str(r.Neighborhood),
		TokenCanton, str(r.Canton),
		TokenProvince, str(r.Province),
		TokenTableCode, tableCode,
		TokenTableDelivered, delivered,
		TokenOCRValidated, validated,
	).Replace(template)
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
