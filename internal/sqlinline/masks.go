package sqlinline

const QUpsertMaskSetProcessing = `--sql a54d53a1-0bb3-48cd-8733-62ebe234df6b
insert into mask_sets(input_image_id, user_id, status, mask_count, masks, error, updated_at)
values ($1::uuid, $2::uuid, 'PROCESSING', 0, '[]'::jsonb, '', now())
on conflict (input_image_id) do update
set status = 'PROCESSING', mask_count = 0, masks = '[]'::jsonb, error = '', updated_at = now();
`

const QUpdateMaskSetResult = `--sql 250fef75-839c-41fc-bc29-5e449b1cfde1
update mask_sets
set status = $2::text,
    mask_count = $3::int,
    masks = $4::jsonb,
    error = $5::text,
    updated_at = now()
where input_image_id = $1::uuid;
`

const QSelectMaskSet = `--sql d8369aea-ec6c-44ba-8ed9-f9781076b632
select input_image_id, status, mask_count, masks, coalesce(error, ''), updated_at
from mask_sets
where input_image_id = $1::uuid and user_id = $2::uuid
limit 1;
`
