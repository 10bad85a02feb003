package reconcile

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MarcoPon/multibit-hd/paydb"
)

// csvFileSuffix is appended to every export file stem.
const csvFileSuffix = ".csv"

// RowConverter turns one record into one CSV row. The converter decides the
// column layout, so export formatting stays entirely with the caller.
type RowConverter[T any] func(T) []string

// ExportResult names the files a payments export produced.
type ExportResult struct {
	// TransactionsFile is the path of the transactions CSV.
	TransactionsFile string

	// RequestsFile is the path of the payment requests CSV.
	RequestsFile string
}

// ExportPayments refreshes the payment set and writes it to two CSV files
// below exportDir: one for transaction-backed payments, one for payment
// requests. The header rows and row converters are pluggable per record
// kind; row converters are only ever invoked with actual records. File
// names are made unique with a bracketed counter if the stems already
// exist.
func (e *Engine) ExportPayments(exportDir, txStem, reqStem string,
	txHeader []string, txRow RowConverter[*Payment],
	reqHeader []string,
	reqRow RowConverter[*paydb.PaymentRequest]) (ExportResult, error) {

	var result ExportResult

	payments := e.ListAll()

	var txPayments []*Payment
	for _, payment := range payments {
		if payment.Kind == KindFromTransaction {
			txPayments = append(txPayments, payment)
		}
	}

	txFile, err := uniqueExportFile(exportDir, txStem)
	if err != nil {
		return result, err
	}
	if err := writeCSV(txFile, txHeader, txRow, txPayments); err != nil {
		return result, err
	}
	result.TransactionsFile = txFile

	reqFile, err := uniqueExportFile(exportDir, reqStem)
	if err != nil {
		return result, err
	}
	err = writeCSV(
		reqFile, reqHeader, reqRow, e.cfg.Store.PaymentRequests(),
	)
	if err != nil {
		return result, err
	}
	result.RequestsFile = reqFile

	log.Infof("Exported %v payment(s) to %v and %v request(s) to %v",
		len(txPayments), result.TransactionsFile,
		len(e.cfg.Store.PaymentRequests()), result.RequestsFile)

	return result, nil
}

// writeCSV writes a header row followed by one converted row per record.
func writeCSV[T any](fileName string, header []string, row RowConverter[T],
	records []T) error {

	file, err := os.Create(fileName)
	if err != nil {
		return fmt.Errorf("unable to create export file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	if err := writer.Write(header); err != nil {
		return err
	}
	for _, record := range records {
		if err := writer.Write(row(record)); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}

	return file.Sync()
}

// uniqueExportFile resolves stem.csv within dir, appending (1), (2), ...
// until an unused name is found.
func uniqueExportFile(dir, stem string) (string, error) {
	name := filepath.Join(dir, stem+csvFileSuffix)
	for count := 1; ; count++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name, nil
		}

		if count > 1000 {
			return "", fmt.Errorf("unable to find unique export "+
				"name for %v", stem)
		}

		name = filepath.Join(
			dir, fmt.Sprintf("%s(%d)%s", stem, count,
				csvFileSuffix),
		)
	}
}
