package main

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// paysimEpoch anchors PaySim's hourly step counter.
var paysimEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// readJSONLines decodes one transaction per line. Blank lines are skipped;
// a line that does not decode is reported with its line number.
func readJSONLines(r io.Reader, limit int) ([]*domain.Transaction, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var txs []*domain.Transaction
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var tx domain.Transaction
		if err := json.Unmarshal([]byte(raw), &tx); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		txs = append(txs, &tx)
		if limit > 0 && len(txs) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return txs, nil
}

// readPaySim maps rows of the PaySim synthetic mobile-money dataset onto
// transactions. nameOrig becomes the customer and nameDest the counterparty
// account; event time is the step hour plus the row offset in seconds so
// rows keep their file order within a step.
func readPaySim(r io.Reader, limit int) ([]*domain.Transaction, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range []string{"step", "type", "amount", "nameorig", "namedest"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var txs []*domain.Transaction
	row := 0
	stepRow := 0
	lastStep := -1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row+1, err)
		}
		row++

		step, err := strconv.Atoi(record[colIndex["step"]])
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid step: %w", row, err)
		}
		amount, err := strconv.ParseFloat(record[colIndex["amount"]], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid amount: %w", row, err)
		}
		if step != lastStep {
			lastStep, stepRow = step, 0
		}
		stepRow++

		tx := &domain.Transaction{
			ID:         fmt.Sprintf("paysim-%08d", row),
			CustomerID: record[colIndex["nameorig"]],
			Amount:     amount,
			Currency:   "USD",
			Type:       paysimType(record[colIndex["type"]]),
			OccurredAt: paysimEpoch.Add(time.Duration(step)*time.Hour + time.Duration(stepRow%3600)*time.Second),
			Counterparty: &domain.Counterparty{
				Account: record[colIndex["namedest"]],
			},
			Channel: domain.ChannelInfo{DeviceType: "mobile"},
		}
		if i, ok := colIndex["isfraud"]; ok {
			tx.Metadata = map[string]any{"isFraud": record[i] == "1"}
		}
		txs = append(txs, tx)

		if limit > 0 && len(txs) >= limit {
			break
		}
	}
	return txs, nil
}

func paysimType(t string) domain.TransactionType {
	switch strings.ToUpper(t) {
	case "CASH_OUT":
		return domain.TxWithdrawal
	case "CASH_IN":
		return domain.TxDeposit
	case "DEBIT":
		return domain.TxCardPurchase
	case "PAYMENT":
		return domain.TxPayment
	default:
		return domain.TxTransfer
	}
}
