// internal/service/taxdoc/issuer_test.go
package taxdoc

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zapfy-billing/internal/domain/invoice"
	"zapfy-billing/internal/domain/taxdoc"
	xerrors "zapfy-billing/internal/pkg/errors"
)

type fakeDocStore struct {
	docs   map[int64]*taxdoc.TaxDocument // by invoice
	nextID int64
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: make(map[int64]*taxdoc.TaxDocument), nextID: 1}
}

func (f *fakeDocStore) byID(id int64) *taxdoc.TaxDocument {
	for _, d := range f.docs {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (f *fakeDocStore) EnsureForInvoice(ctx context.Context, invoiceID int64) (*taxdoc.TaxDocument, error) {
	if d, ok := f.docs[invoiceID]; ok {
		cp := *d
		return &cp, nil
	}
	d := &taxdoc.TaxDocument{ID: f.nextID, InvoiceID: invoiceID, Status: taxdoc.StatusPending}
	f.nextID++
	f.docs[invoiceID] = d
	cp := *d
	return &cp, nil
}

func (f *fakeDocStore) FindByInvoice(ctx context.Context, invoiceID int64) (*taxdoc.TaxDocument, error) {
	d, ok := f.docs[invoiceID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDocStore) MarkProcessing(ctx context.Context, id int64) error {
	d := f.byID(id)
	if d == nil {
		return xerrors.ErrNotFound
	}
	if d.Status != taxdoc.StatusPending && d.Status != taxdoc.StatusError {
		return xerrors.ErrInvalidTransition
	}
	d.Status = taxdoc.StatusProcessing
	d.Attempts++
	return nil
}

func (f *fakeDocStore) MarkIssued(ctx context.Context, id int64, externalRef string) error {
	d := f.byID(id)
	if d == nil {
		return xerrors.ErrNotFound
	}
	d.Status = taxdoc.StatusIssued
	d.ExternalRef = sql.NullString{String: externalRef, Valid: true}
	return nil
}

func (f *fakeDocStore) MarkError(ctx context.Context, id int64, reason string) error {
	d := f.byID(id)
	if d == nil {
		return xerrors.ErrNotFound
	}
	d.Status = taxdoc.StatusError
	d.LastError = sql.NullString{String: reason, Valid: true}
	return nil
}

func (f *fakeDocStore) ListErrors(ctx context.Context, limit int) ([]*taxdoc.TaxDocument, error) {
	var out []*taxdoc.TaxDocument
	for _, d := range f.docs {
		if d.Status == taxdoc.StatusError {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeInvoiceStore struct {
	invoices map[int64]*invoice.Invoice
	statuses []invoice.TaxDocState
}

func (f *fakeInvoiceStore) FindByID(ctx context.Context, id int64) (*invoice.Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return inv, nil
}

func (f *fakeInvoiceStore) SetTaxDocStatus(ctx context.Context, id int64, status invoice.TaxDocState) error {
	inv, ok := f.invoices[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	inv.TaxDocStatus = status
	f.statuses = append(f.statuses, status)
	return nil
}

// scriptedClient returns the scripted answers in order, then repeats the last.
type scriptedClient struct {
	results []*IssueResult
	errs    []error
	calls   int
	lastReq IssueRequest
}

func (c *scriptedClient) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	i := c.calls
	if i >= len(c.errs) {
		i = len(c.errs) - 1
	}
	c.calls++
	c.lastReq = req
	return c.results[i], c.errs[i]
}

func paidInvoice() *invoice.Invoice {
	return &invoice.Invoice{
		ID:           10,
		Reference:    "inv_1",
		Amount:       10000,
		Currency:     "BRL",
		State:        invoice.StatePaid,
		PaidAt:       sql.NullTime{Time: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), Valid: true},
		TaxDocStatus: invoice.TaxDocPending,
	}
}

func TestIssueForInvoiceSuccess(t *testing.T) {
	docs := newFakeDocStore()
	invoices := &fakeInvoiceStore{invoices: map[int64]*invoice.Invoice{10: paidInvoice()}}
	client := &scriptedClient{
		results: []*IssueResult{{DocumentRef: "doc_abc"}},
		errs:    []error{nil},
	}
	issuer := NewIssuer(docs, invoices, client, 3, zap.NewNop())

	require.NoError(t, issuer.IssueForInvoice(context.Background(), 10))

	doc := docs.docs[10]
	assert.Equal(t, taxdoc.StatusIssued, doc.Status)
	assert.Equal(t, "doc_abc", doc.ExternalRef.String)
	assert.Equal(t, invoice.TaxDocIssued, invoices.invoices[10].TaxDocStatus)
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, "inv_1", client.lastReq.InvoiceRef)
	assert.Equal(t, int64(10000), client.lastReq.Amount)
}

func TestIssuePermanentRejectionGivesUpImmediately(t *testing.T) {
	docs := newFakeDocStore()
	invoices := &fakeInvoiceStore{invoices: map[int64]*invoice.Invoice{10: paidInvoice()}}
	client := &scriptedClient{
		results: []*IssueResult{nil},
		errs:    []error{fmt.Errorf("%w: invalid tax id", xerrors.ErrPermanentProvider)},
	}
	issuer := NewIssuer(docs, invoices, client, 3, zap.NewNop())

	err := issuer.IssueForInvoice(context.Background(), 10)
	assert.ErrorIs(t, err, xerrors.ErrPermanentProvider)

	assert.Equal(t, 1, client.calls, "permanent rejections must not retry")
	doc := docs.docs[10]
	assert.Equal(t, taxdoc.StatusError, doc.Status)
	assert.Contains(t, doc.LastError.String, "invalid tax id")
	assert.Equal(t, invoice.TaxDocError, invoices.invoices[10].TaxDocStatus)
}

func TestIssueTransientErrorRetries(t *testing.T) {
	docs := newFakeDocStore()
	invoices := &fakeInvoiceStore{invoices: map[int64]*invoice.Invoice{10: paidInvoice()}}
	client := &scriptedClient{
		results: []*IssueResult{nil, {DocumentRef: "doc_abc"}},
		errs:    []error{fmt.Errorf("%w: gateway timeout", xerrors.ErrTransientProvider), nil},
	}
	issuer := NewIssuer(docs, invoices, client, 3, zap.NewNop())

	require.NoError(t, issuer.IssueForInvoice(context.Background(), 10))

	assert.Equal(t, 2, client.calls)
	assert.Equal(t, taxdoc.StatusIssued, docs.docs[10].Status)
}

func TestIssueForUnpaidInvoice(t *testing.T) {
	inv := paidInvoice()
	inv.State = invoice.StatePending
	docs := newFakeDocStore()
	invoices := &fakeInvoiceStore{invoices: map[int64]*invoice.Invoice{10: inv}}
	client := &scriptedClient{results: []*IssueResult{nil}, errs: []error{nil}}
	issuer := NewIssuer(docs, invoices, client, 3, zap.NewNop())

	err := issuer.IssueForInvoice(context.Background(), 10)
	assert.ErrorIs(t, err, xerrors.ErrInvalidTransition)
	assert.Equal(t, 0, client.calls)
	assert.Empty(t, docs.docs)
}

func TestIssueAlreadyIssued(t *testing.T) {
	docs := newFakeDocStore()
	docs.docs[10] = &taxdoc.TaxDocument{ID: 1, InvoiceID: 10, Status: taxdoc.StatusIssued}
	invoices := &fakeInvoiceStore{invoices: map[int64]*invoice.Invoice{10: paidInvoice()}}
	client := &scriptedClient{results: []*IssueResult{nil}, errs: []error{nil}}
	issuer := NewIssuer(docs, invoices, client, 3, zap.NewNop())

	require.NoError(t, issuer.IssueForInvoice(context.Background(), 10))
	assert.Equal(t, 0, client.calls)
}

func TestIssueSkipsDocumentInFlight(t *testing.T) {
	docs := newFakeDocStore()
	docs.docs[10] = &taxdoc.TaxDocument{ID: 1, InvoiceID: 10, Status: taxdoc.StatusProcessing}
	invoices := &fakeInvoiceStore{invoices: map[int64]*invoice.Invoice{10: paidInvoice()}}
	client := &scriptedClient{results: []*IssueResult{nil}, errs: []error{nil}}
	issuer := NewIssuer(docs, invoices, client, 3, zap.NewNop())

	require.NoError(t, issuer.IssueForInvoice(context.Background(), 10))
	assert.Equal(t, 0, client.calls)
	assert.Equal(t, taxdoc.StatusProcessing, docs.docs[10].Status)
}

func TestRetryFromErrorQueue(t *testing.T) {
	docs := newFakeDocStore()
	docs.docs[10] = &taxdoc.TaxDocument{ID: 1, InvoiceID: 10, Status: taxdoc.StatusError}
	invoices := &fakeInvoiceStore{invoices: map[int64]*invoice.Invoice{10: paidInvoice()}}
	client := &scriptedClient{
		results: []*IssueResult{{DocumentRef: "doc_retry"}},
		errs:    []error{nil},
	}
	issuer := NewIssuer(docs, invoices, client, 3, zap.NewNop())

	require.NoError(t, issuer.Retry(context.Background(), 10))
	assert.Equal(t, taxdoc.StatusIssued, docs.docs[10].Status)
	assert.Equal(t, "doc_retry", docs.docs[10].ExternalRef.String)
}
