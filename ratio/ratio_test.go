package ratio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"szakszon.com/divratio"
	"szakszon.com/divratio/fetcher"
)

func day(s string) time.Time {
	t, err := time.Parse(divratio.DateFormat, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestComputeScenario(t *testing.T) {
	bars := []*divratio.Bar{
		{Date: day("2023-03-10"), Close: 150.0},
		{Date: day("2023-06-10"), Close: 160.0},
	}
	dividends := []*divratio.DividendEvent{
		{Date: day("2023-03-10"), Amount: 0.5},
		{Date: day("2023-09-10"), Amount: 0.6},
	}

	rs := Compute(bars, dividends)

	assert.Equal(t, []*divratio.RatioRow{
		{Date: day("2023-03-10"), Dividend: 0.5, Price: 150.0, Ratio: 300.0},
	}, rs.Rows)
	assert.Equal(t, []*divratio.Skip{
		{Date: day("2023-09-10"), Dividend: 0.6, Reason: divratio.SkipNoPrice},
	}, rs.Skipped)
}

func TestComputeOneRowPerMatchedDividendInOrder(t *testing.T) {
	bars := []*divratio.Bar{
		{Date: day("2022-02-04"), Close: 172.39},
		{Date: day("2022-05-06"), Close: 157.28},
		{Date: day("2022-08-05"), Close: 165.35},
		{Date: day("2022-11-04"), Close: 138.38},
	}
	dividends := []*divratio.DividendEvent{
		{Date: day("2022-02-04"), Amount: 0.22},
		{Date: day("2022-05-06"), Amount: 0.23},
		{Date: day("2022-08-05"), Amount: 0.23},
		{Date: day("2022-11-04"), Amount: 0.23},
	}

	rs := Compute(bars, dividends)

	require.Len(t, rs.Rows, len(dividends))
	assert.Empty(t, rs.Skipped)
	for i, row := range rs.Rows {
		assert.Equal(t, dividends[i].Date, row.Date)
		assert.Equal(t, bars[i].Close, row.Price)
		assert.InDelta(t, bars[i].Close/dividends[i].Amount, row.Ratio, 1e-9)
	}
}

func TestComputeNonPositiveDividend(t *testing.T) {
	bars := []*divratio.Bar{
		{Date: day("2023-03-10"), Close: 150.0},
		{Date: day("2023-03-13"), Close: 151.0},
	}
	dividends := []*divratio.DividendEvent{
		{Date: day("2023-03-10"), Amount: 0},
		{Date: day("2023-03-13"), Amount: -1},
	}

	rs := Compute(bars, dividends)

	assert.Empty(t, rs.Rows)
	require.Len(t, rs.Skipped, 2)
	for _, s := range rs.Skipped {
		assert.Equal(t, divratio.SkipNonPositiveDividend, s.Reason)
	}
}

func TestComputeEmptyDividends(t *testing.T) {
	bars := []*divratio.Bar{{Date: day("2023-03-10"), Close: 150.0}}

	rs := Compute(bars, nil)
	assert.True(t, rs.Empty())
	assert.NotNil(t, rs.Rows)

	rs = Compute(nil, []*divratio.DividendEvent{})
	assert.True(t, rs.Empty())
}

type FetcherMock struct {
	mock.Mock
}

func (m *FetcherMock) Fetch(
	ctx context.Context,
	in *divratio.FetchInput,
) (*divratio.FetchOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*divratio.FetchOutput)
	return out, args.Error(1)
}

type StoreMock struct {
	mock.Mock
}

func (m *StoreMock) InitSchema(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *StoreMock) SaveResult(ctx context.Context, rs *divratio.ResultSet) error {
	return m.Called(ctx, rs).Error(0)
}

func (m *StoreMock) Searches(
	ctx context.Context,
	f *divratio.SearchFilter,
) ([]*divratio.Search, error) {
	args := m.Called(ctx, f)
	out, _ := args.Get(0).([]*divratio.Search)
	return out, args.Error(1)
}

func (m *StoreMock) Rows(ctx context.Context, searchID int64) ([]*divratio.RatioRow, error) {
	args := m.Called(ctx, searchID)
	out, _ := args.Get(0).([]*divratio.RatioRow)
	return out, args.Error(1)
}

var testNow = time.Date(2023, time.October, 1, 8, 30, 0, 0, time.UTC)

func TestCalculateBlankSymbolSkipsFetch(t *testing.T) {
	f := &FetcherMock{}
	c := NewCalculator(Fetcher(f))

	for _, symbol := range []string{"", "   ", "\t\n"} {
		o := c.Calculate(context.Background(), symbol)
		assert.False(t, o.Failed())
		require.NotNil(t, o.Result)
		assert.True(t, o.Result.Empty())
	}
	f.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestCalculate(t *testing.T) {
	f := &FetcherMock{}
	f.On("Fetch", mock.Anything, &divratio.FetchInput{Symbol: "AAPL"}).
		Return(&divratio.FetchOutput{
			Bars: []*divratio.Bar{
				{Date: day("2023-03-10"), Close: 150.0},
			},
			Dividends: []*divratio.DividendEvent{
				{Date: day("2023-03-10"), Amount: 0.5},
			},
		}, nil)
	s := &StoreMock{}
	s.On("SaveResult", mock.Anything, mock.Anything).Return(nil)

	c := NewCalculator(
		Fetcher(f),
		Store(s),
		Clock(func() time.Time { return testNow }),
	)
	o := c.Calculate(context.Background(), " aapl ")

	require.False(t, o.Failed())
	assert.Equal(t, "AAPL", o.Result.Symbol)
	assert.Equal(t, testNow, o.Result.Calculated)
	require.Len(t, o.Result.Rows, 1)
	assert.Equal(t, 300.0, o.Result.Rows[0].Ratio)
	f.AssertExpectations(t)
	s.AssertCalled(t, "SaveResult", mock.Anything, o.Result)
}

func TestCalculateStoreFailureKeepsResult(t *testing.T) {
	f := &FetcherMock{}
	f.On("Fetch", mock.Anything, mock.Anything).
		Return(&divratio.FetchOutput{
			Bars:      []*divratio.Bar{{Date: day("2023-03-10"), Close: 150.0}},
			Dividends: []*divratio.DividendEvent{{Date: day("2023-03-10"), Amount: 0.5}},
		}, nil)
	s := &StoreMock{}
	s.On("SaveResult", mock.Anything, mock.Anything).
		Return(errors.New("connection refused"))

	o := NewCalculator(Fetcher(f), Store(s)).
		Calculate(context.Background(), "AAPL")

	assert.False(t, o.Failed())
	assert.Len(t, o.Result.Rows, 1)
}

func TestCalculateFailure(t *testing.T) {
	f := &FetcherMock{}
	f.On("Fetch", mock.Anything, mock.Anything).
		Return(nil, &divratio.FetchError{
			Symbol: "NOPE",
			Err:    divratio.ErrSymbolNotFound,
		})
	s := &StoreMock{}

	o := NewCalculator(Fetcher(f), Store(s)).
		Calculate(context.Background(), "nope")

	require.True(t, o.Failed())
	assert.Nil(t, o.Result)
	assert.Equal(t, divratio.KindNotFound, o.Failure.Kind)
	s.AssertNotCalled(t, "SaveResult", mock.Anything, mock.Anything)
}

func TestCalculateNoDividends(t *testing.T) {
	f := &FetcherMock{}
	f.On("Fetch", mock.Anything, mock.Anything).
		Return(&divratio.FetchOutput{
			Bars:      []*divratio.Bar{{Date: day("2023-03-10"), Close: 150.0}},
			Dividends: []*divratio.DividendEvent{},
		}, nil)

	o := NewCalculator(Fetcher(f)).Calculate(context.Background(), "BRK-B")

	assert.False(t, o.Failed())
	assert.True(t, o.Result.Empty())
	assert.Equal(t, "BRK-B", o.Result.Symbol)
}

type historyFunc func(ctx context.Context, in *divratio.HistoryFetchInput) (*divratio.HistoryFetchOutput, error)

func (f historyFunc) Fetch(
	ctx context.Context,
	in *divratio.HistoryFetchInput,
) (*divratio.HistoryFetchOutput, error) {
	return f(ctx, in)
}

func TestCalculateReportsUnpricedDividend(t *testing.T) {
	hs := historyFunc(func(ctx context.Context, in *divratio.HistoryFetchInput) (*divratio.HistoryFetchOutput, error) {
		return &divratio.HistoryFetchOutput{
			Bars: []*divratio.Bar{
				{Date: day("2023-03-10"), Close: 150, Dividend: 0.5, Currency: "USD"},
				{Date: day("2023-09-11"), Close: 170, Currency: "USD"},
			},
			Unpriced: []*divratio.DividendEvent{
				{Date: day("2023-09-10"), Amount: 0.6, Currency: "USD"},
			},
		}, nil
	})

	c := NewCalculator(
		Fetcher(fetcher.NewFetcher(fetcher.HistoryService(hs))),
		Clock(func() time.Time { return testNow }),
	)
	o := c.Calculate(context.Background(), "aapl")
	require.False(t, o.Failed())

	assert.Equal(t, []*divratio.RatioRow{
		{Date: day("2023-03-10"), Dividend: 0.5, Price: 150, Ratio: 300},
	}, o.Result.Rows)
	assert.Equal(t, []*divratio.Skip{
		{Date: day("2023-09-10"), Dividend: 0.6, Reason: divratio.SkipNoPrice},
	}, o.Result.Skipped)
}
