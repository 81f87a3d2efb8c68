package render

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
)

// Meta describes the document being printed.
type Meta struct {
	Number string
	Title  string
	Issuer string
	// Created pins the PDF creation and modification dates so that the same
	// content always produces the same bytes.
	Created time.Time
}

// SignatureStamp is what the certificate page records for one signer.
type SignatureStamp struct {
	Name      string
	Email     string
	Role      string
	SignedAt  time.Time
	IPAddress string
	Image     *Image
}

const (
	pageMargin   = 20.0
	bodyFontSize = 11.0
	lineHeight   = 5.5
)

var headingSizes = [7]float64{0, 18, 15, 13, 12, 11, 11}

// Hash returns the lowercase hex SHA-256 of b. It is the only digest used to
// seal and verify artifacts.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// GeneratePDF lays out rendered HTML on A4 pages.
func GeneratePDF(htmlBody string, meta Meta) ([]byte, error) {
	pdf := newDocument(meta)
	writeBody(pdf, htmlBody)
	return output(pdf)
}

// EmbedSignatures prints the document again and appends a signature
// certificate page listing every stamp and the hash of the unsigned artifact
// they were applied to.
func EmbedSignatures(htmlBody string, meta Meta, unsignedHash string, stamps []SignatureStamp) ([]byte, error) {
	if len(stamps) == 0 {
		return nil, fmt.Errorf("embed signatures: no signatures")
	}
	pdf := newDocument(meta)
	writeBody(pdf, htmlBody)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.MultiCell(0, 8, tr("Signature Certificate"), "", "L", false)
	pdf.Ln(2)
	pdf.SetFont("Helvetica", "", 9)
	pdf.MultiCell(0, 4.5, tr(fmt.Sprintf("Document %s: %s", meta.Number, meta.Title)), "", "L", false)
	pdf.MultiCell(0, 4.5, tr("Unsigned artifact SHA-256: "+unsignedHash), "", "L", false)
	pdf.Ln(4)

	pageW, _ := pdf.GetPageSize()
	for i, st := range stamps {
		if i > 0 {
			pdf.Ln(3)
			x, y := pdf.GetXY()
			pdf.Line(x, y, pageW-pageMargin, y)
			pdf.Ln(3)
		}
		if st.Image != nil {
			name := fmt.Sprintf("sig-%d", i)
			opts := fpdf.ImageOptions{ImageType: st.Image.Type}
			pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(st.Image.Data))
			if pdf.Err() {
				return nil, fmt.Errorf("embed signature image %d: %w", i+1, pdf.Error())
			}
			pdf.ImageOptions(name, pageMargin, pdf.GetY(), 60, 0, true, opts, 0, "")
		}
		pdf.SetFont("Helvetica", "B", bodyFontSize)
		pdf.MultiCell(0, lineHeight, tr(st.Name), "", "L", false)
		pdf.SetFont("Helvetica", "", 9)
		line := st.Email
		if st.Role != "" {
			line += " (" + st.Role + ")"
		}
		pdf.MultiCell(0, 4.5, tr(line), "", "L", false)
		pdf.MultiCell(0, 4.5, tr("Signed at "+st.SignedAt.UTC().Format(time.RFC3339)), "", "L", false)
		if st.IPAddress != "" {
			pdf.MultiCell(0, 4.5, tr("IP address "+st.IPAddress), "", "L", false)
		}
	}
	return output(pdf)
}

func newDocument(meta Meta) *fpdf.Fpdf {
	pdf := fpdf.New("P", "mm", "A4", "")
	created := meta.Created.UTC()
	if created.IsZero() {
		created = time.Unix(0, 0).UTC()
	}
	pdf.SetCreationDate(created)
	pdf.SetModificationDate(created)
	pdf.SetCatalogSort(true)
	pdf.SetCompression(true)

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(tr(meta.Title), false)
	pdf.SetSubject(tr(meta.Number), false)
	if meta.Issuer != "" {
		pdf.SetAuthor(tr(meta.Issuer), false)
	}
	pdf.SetCreator("esign", false)

	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "", 8)
		pdf.CellFormat(0, 6, tr(fmt.Sprintf("%s  |  page %d of {nb}", meta.Number, pdf.PageNo())), "", 0, "C", false, 0, "")
	})
	return pdf
}

func writeBody(pdf *fpdf.Fpdf, htmlBody string) {
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()
	pageW, _ := pdf.GetPageSize()

	for _, b := range Layout(htmlBody) {
		switch b.Kind {
		case BlockHeading:
			size := headingSizes[min(max(b.Level, 1), 6)]
			pdf.Ln(2)
			pdf.SetFont("Helvetica", "B", size)
			pdf.MultiCell(0, size*0.5, tr(b.Text), "", "L", false)
			pdf.Ln(1.5)
		case BlockListItem:
			pdf.SetFont("Helvetica", "", bodyFontSize)
			pdf.SetX(pageMargin + 4)
			pdf.MultiCell(0, lineHeight, tr("- "+b.Text), "", "L", false)
			pdf.Ln(0.5)
		case BlockRule:
			pdf.Ln(2)
			y := pdf.GetY()
			pdf.Line(pageMargin, y, pageW-pageMargin, y)
			pdf.Ln(2)
		default:
			style := ""
			if b.Bold {
				style = "B"
			}
			pdf.SetFont("Helvetica", style, bodyFontSize)
			pdf.MultiCell(0, lineHeight, tr(b.Text), "", "J", false)
			pdf.Ln(2)
		}
	}
}

func output(pdf *fpdf.Fpdf) ([]byte, error) {
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}
