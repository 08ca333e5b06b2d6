package artifacts

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/lox/aircast/internal/forecast"
)

type parquetRow struct {
	Entity    string  `parquet:"name=entity,type=BYTE_ARRAY,convertedtype=UTF8"`
	Variable  string  `parquet:"name=variable,type=BYTE_ARRAY,convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp,type=INT64,convertedtype=TIMESTAMP_MILLIS"`
	Mean      float64 `parquet:"name=mean,type=DOUBLE"`
	Lower     float64 `parquet:"name=lower,type=DOUBLE"`
	Upper     float64 `parquet:"name=upper,type=DOUBLE"`
}

func encodeParquet(entity, variable string, rows []forecast.Row) (data []byte, err error) {
	buf := new(bytes.Buffer)
	pw, err := writer.NewParquetWriterFromWriter(buf, new(parquetRow), 1)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range rows {
		row := parquetRow{
			Entity:    entity,
			Variable:  variable,
			Timestamp: r.Timestamp.UnixMilli(),
			Mean:      r.Mean,
			Lower:     r.Lower,
			Upper:     r.Upper,
		}
		if err := pw.Write(row); err != nil {
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}

	// WriteStop can panic on schema mismatches.
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("parquet writer panicked: %v", r)
		}
	}()
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finish parquet: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeParquet(data []byte) (rows []forecast.Row, err error) {
	// The reader panics on truncated or corrupt files instead of returning
	// an error.
	defer func() {
		if r := recover(); r != nil {
			rows, err = nil, fmt.Errorf("parquet reader panicked: %v", r)
		}
	}()

	fr, err := buffer.NewBufferFile(data)
	if err != nil {
		return nil, fmt.Errorf("open parquet buffer: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	if err != nil {
		return nil, fmt.Errorf("create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	raw := make([]parquetRow, int(pr.GetNumRows()))
	if err := pr.Read(&raw); err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	rows = make([]forecast.Row, len(raw))
	for i, r := range raw {
		rows[i] = forecast.Row{
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
			Mean:      r.Mean,
			Lower:     r.Lower,
			Upper:     r.Upper,
		}
	}
	return rows, nil
}
